package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"movietracker/internal/api/middleware"
	"movietracker/internal/model"
	"movietracker/internal/movie"
	"movietracker/internal/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// movieResponse 在电影字段之外附带提示信息。
type movieResponse struct {
	*model.Movie
	Message        string `json:"message,omitempty"`
	UploadEndpoint string `json:"uploadEndpoint,omitempty"`
}

// handleCreateMovie 创建电影数据（第一步，尚无封面）。
//
// POST /movies
func (s *Server) handleCreateMovie(c *gin.Context) {
	var in movie.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid movie data: "+err.Error())
		return
	}
	m, err := s.movies.CreateInitial(c.Request.Context(), middleware.UserID(c), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movieResponse{
		Movie:          m,
		Message:        "Movie created successfully. Upload a cover image.",
		UploadEndpoint: fmt.Sprintf("/movies/%d/cover-image", m.ID),
	})
}

// handleUploadCoverImage 上传封面（第二步）。
//
// POST /movies/:id/cover-image
//
// 上传失败且电影仍在等待封面时删除该电影，避免留下没有封面的记录；
// 已有封面的电影保持原样，直接返回错误。
func (s *Server) handleUploadCoverImage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	file, ok := middleware.UploadedFile(c)
	if !ok {
		badRequest(c, "cover image file is required, upload it as multipart/form-data")
		return
	}

	m, err := s.movies.UploadCoverImage(c.Request.Context(), id, file, middleware.UserID(c))
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindForbidden, apperr.KindBadRequest:
			s.writeError(c, err)
			return
		}
		removed, rmErr := s.movies.RemovePending(c.Request.Context(), id)
		if rmErr != nil {
			s.logger.Error("remove movie after upload failure failed",
				slog.Uint64("movie_id", uint64(id)),
				slog.String("error", rmErr.Error()),
			)
		}
		if !removed {
			s.writeError(c, err)
			return
		}
		s.logger.Error("upload cover image failed, pending movie removed",
			slog.Uint64("movie_id", uint64(id)),
			slog.String("error", err.Error()),
		)
		badRequest(c, "error uploading image, the movie was removed to maintain data consistency")
		return
	}
	c.JSON(http.StatusOK, movieResponse{Movie: m, Message: "Cover image updated successfully."})
}

// handleUpdateCoverImage 替换已有封面。
//
// PATCH /movies/:id/cover-image
func (s *Server) handleUpdateCoverImage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	file, ok := middleware.UploadedFile(c)
	if !ok {
		badRequest(c, "cover image file is required, upload it as multipart/form-data")
		return
	}
	m, err := s.movies.UpdateCoverImage(c.Request.Context(), id, file, middleware.UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, movieResponse{Movie: m, Message: "Cover image updated successfully."})
}

// handleUpdateMovie 部分更新电影数据（不含封面）。
//
// PATCH /movies/:id
func (s *Server) handleUpdateMovie(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var patch movie.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid movie data: "+err.Error())
		return
	}
	m, err := s.movies.UpdateMovieData(c.Request.Context(), id, patch, middleware.UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// handleDeleteMovie 删除自己的电影。
//
// DELETE /movies/:id
func (s *Server) handleDeleteMovie(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := s.movies.RemoveOwned(c.Request.Context(), id, middleware.UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// handleGetMovie 返回单部电影。
//
// GET /movies/:id
func (s *Server) handleGetMovie(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := s.movies.FindOne(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// handleListMovies 分页列出已完成的电影。
//
// GET /movies
func (s *Server) handleListMovies(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	page, err := s.movies.FindAll(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "invalid movie id")
		return 0, false
	}
	return uint(id), true
}

// parseFilter 解析列表查询参数；page/perPage 兼容 paginationPage/paginationPerPage。
func parseFilter(c *gin.Context) (movie.Filter, error) {
	var f movie.Filter
	var err error

	if f.DurationMin, err = queryInt(c, "durationMin"); err != nil {
		return f, err
	}
	if f.DurationMax, err = queryInt(c, "durationMax"); err != nil {
		return f, err
	}
	if f.ScoreMin, err = queryFloat(c, "scoreMin"); err != nil {
		return f, err
	}
	if f.ScoreMax, err = queryFloat(c, "scoreMax"); err != nil {
		return f, err
	}
	if f.ReleaseDateMin, err = queryDate(c, "releaseDateMin"); err != nil {
		return f, err
	}
	if f.ReleaseDateMax, err = queryDate(c, "releaseDateMax"); err != nil {
		return f, err
	}
	f.Title = c.Query("title")
	f.Search = c.Query("search")
	f.Page = parseQueryInt(c, 0, "page", "paginationPage")
	f.PerPage = parseQueryInt(c, 0, "perPage", "paginationPerPage")
	return f, nil
}

func queryInt(c *gin.Context, key string) (*int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &v, nil
}

func queryFloat(c *gin.Context, key string) (*float64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &v, nil
}

func queryDate(c *gin.Context, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be a date (YYYY-MM-DD or RFC3339)", key)
}

// parseQueryInt 按顺序读取 keys 中第一个合法整数，否则返回 def。
func parseQueryInt(c *gin.Context, def int, keys ...string) int {
	for _, key := range keys {
		val := c.Query(key)
		if val == "" {
			continue
		}
		if iv, err := strconv.Atoi(val); err == nil {
			return iv
		}
	}
	return def
}
