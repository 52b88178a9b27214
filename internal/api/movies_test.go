package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"movietracker/internal/api/middleware"
	"movietracker/internal/config"
	"movietracker/internal/model"
	"movietracker/internal/movie"
	"movietracker/internal/pkg/apperr"
	"movietracker/internal/pkg/storage"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type mockMovieService struct {
	createFunc      func(ctx context.Context, userID uint, in movie.Input) (*model.Movie, error)
	uploadFunc      func(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error)
	updateFunc      func(ctx context.Context, id uint, patch movie.Patch, userID uint) (*model.Movie, error)
	updateCoverFunc func(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error)
	removeOwnedFunc func(ctx context.Context, id uint, userID uint) (*model.Movie, error)
	findAllFunc     func(ctx context.Context, f movie.Filter) (*movie.Page, error)
	findOneFunc     func(ctx context.Context, id uint) (*model.Movie, error)
	pending         bool
	removeCalls     []uint
}

func (m *mockMovieService) CreateInitial(ctx context.Context, userID uint, in movie.Input) (*model.Movie, error) {
	return m.createFunc(ctx, userID, in)
}

func (m *mockMovieService) UploadCoverImage(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error) {
	return m.uploadFunc(ctx, id, file, userID)
}

func (m *mockMovieService) UpdateMovieData(ctx context.Context, id uint, patch movie.Patch, userID uint) (*model.Movie, error) {
	return m.updateFunc(ctx, id, patch, userID)
}

func (m *mockMovieService) UpdateCoverImage(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error) {
	return m.updateCoverFunc(ctx, id, file, userID)
}

func (m *mockMovieService) RemovePending(ctx context.Context, id uint) (bool, error) {
	if !m.pending {
		return false, nil
	}
	m.removeCalls = append(m.removeCalls, id)
	return true, nil
}

func (m *mockMovieService) RemoveOwned(ctx context.Context, id uint, userID uint) (*model.Movie, error) {
	return m.removeOwnedFunc(ctx, id, userID)
}

func (m *mockMovieService) FindAll(ctx context.Context, f movie.Filter) (*movie.Page, error) {
	return m.findAllFunc(ctx, f)
}

func (m *mockMovieService) FindOne(ctx context.Context, id uint) (*model.Movie, error) {
	return m.findOneFunc(ctx, id)
}

func newTestServer(svc MovieService) *Server {
	gin.SetMode(gin.TestMode)
	return &Server{
		cfg:    &config.Config{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		movies: svc,
	}
}

// withUser 模拟 AuthMiddleware 写入 userID。
func withUser(userID uint, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		h(c)
	}
}

// withFile 模拟 CoverImageUpload 写入已校验文件。
func withFile(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UploadFileKey, storage.File{Filename: "a.png", ContentType: "image/png", Content: []byte("x")})
		h(c)
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return body
}

func TestCreateMovie(t *testing.T) {
	var gotUser uint
	svc := &mockMovieService{
		createFunc: func(ctx context.Context, userID uint, in movie.Input) (*model.Movie, error) {
			gotUser = userID
			return &model.Movie{ID: 42, UserID: userID, Title: in.Title, CoverImage: "pending_1"}, nil
		},
	}
	s := newTestServer(svc)
	r := gin.New()
	r.POST("/movies", withUser(7, s.handleCreateMovie))

	payload, _ := json.Marshal(gin.H{
		"title":       "Dune",
		"releaseDate": time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		"duration":    155,
		"score":       88,
		"genres":      []string{"Sci-Fi"},
	})
	req := httptest.NewRequest(http.MethodPost, "/movies", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["id"] != float64(42) || body["title"] != "Dune" {
		t.Fatalf("movie fields must be flattened, got %v", body)
	}
	if body["uploadEndpoint"] != "/movies/42/cover-image" || body["message"] == "" {
		t.Fatalf("missing upload guidance: %v", body)
	}
	if gotUser != 7 {
		t.Fatalf("expected user 7, got %d", gotUser)
	}
}

func TestCreateMovie_Invalid(t *testing.T) {
	svc := &mockMovieService{
		createFunc: func(ctx context.Context, userID uint, in movie.Input) (*model.Movie, error) {
			t.Fatalf("service must not be called")
			return nil, nil
		},
	}
	s := newTestServer(svc)
	r := gin.New()
	r.POST("/movies", withUser(7, s.handleCreateMovie))

	req := httptest.NewRequest(http.MethodPost, "/movies", strings.NewReader(`{"title":"X","duration":0}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUploadCoverImage_RollbackOnFailure(t *testing.T) {
	storageErr := apperr.Internal("upload cover image failed", errors.New("bucket missing"))
	cases := []struct {
		name         string
		err          error
		pending      bool
		wantStatus   int
		wantRollback bool
	}{
		{"storage failure on pending movie", storageErr, true, http.StatusBadRequest, true},
		{"storage failure on complete movie", storageErr, false, http.StatusInternalServerError, false},
		{"not found", apperr.NotFound("movie not found"), true, http.StatusNotFound, false},
		{"forbidden", apperr.Forbidden("you do not own this movie"), true, http.StatusForbidden, false},
	}
	for _, tc := range cases {
		svc := &mockMovieService{
			pending: tc.pending,
			uploadFunc: func(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error) {
				return nil, tc.err
			},
		}
		s := newTestServer(svc)
		r := gin.New()
		r.POST("/movies/:id/cover-image", withUser(1, withFile(s.handleUploadCoverImage)))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/movies/9/cover-image", nil))
		if w.Code != tc.wantStatus {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.wantStatus, w.Code)
		}
		if rolled := len(svc.removeCalls) == 1 && svc.removeCalls[0] == 9; rolled != tc.wantRollback {
			t.Fatalf("%s: rollback=%v, remove calls %v", tc.name, tc.wantRollback, svc.removeCalls)
		}
	}
}

func TestUploadCoverImage_Success(t *testing.T) {
	svc := &mockMovieService{
		uploadFunc: func(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error) {
			return &model.Movie{ID: id, CoverImage: "https://cdn.test/" + file.Filename}, nil
		},
	}
	s := newTestServer(svc)
	r := gin.New()
	r.POST("/movies/:id/cover-image", withUser(1, withFile(s.handleUploadCoverImage)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/movies/3/cover-image", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["coverImage"] != "https://cdn.test/a.png" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestWriteError_HidesInternalCause(t *testing.T) {
	svc := &mockMovieService{
		findOneFunc: func(ctx context.Context, id uint) (*model.Movie, error) {
			return nil, apperr.Internal("load movie failed", errors.New("dial tcp 10.0.0.5:3306: connection refused"))
		},
	}
	s := newTestServer(svc)
	r := gin.New()
	r.GET("/movies/:id", s.handleGetMovie)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/movies/1", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.5") {
		t.Fatalf("internal cause leaked: %s", w.Body.String())
	}
	body := decodeBody(t, w)
	if body["code"] != "internal" || body["error"] != "load movie failed" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestGetMovie_BadID(t *testing.T) {
	s := newTestServer(&mockMovieService{})
	r := gin.New()
	r.GET("/movies/:id", s.handleGetMovie)
	for _, id := range []string{"abc", "0", "-1"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/movies/"+id, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("id %q: expected 400, got %d", id, w.Code)
		}
	}
}

func TestListMovies_ParsesFilter(t *testing.T) {
	var got movie.Filter
	svc := &mockMovieService{
		findAllFunc: func(ctx context.Context, f movie.Filter) (*movie.Page, error) {
			got = f
			return &movie.Page{Items: []model.Movie{}, Page: 1, PerPage: 10}, nil
		},
	}
	s := newTestServer(svc)
	r := gin.New()
	r.GET("/movies", s.handleListMovies)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/movies?scoreMin=80&durationMax=120&releaseDateMin=2020-01-01&search=drama&paginationPage=2&perPage=20", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got.ScoreMin == nil || *got.ScoreMin != 80 || got.DurationMax == nil || *got.DurationMax != 120 {
		t.Fatalf("ranges not parsed: %+v", got)
	}
	if got.ReleaseDateMin == nil || !got.ReleaseDateMin.Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("release date not parsed: %+v", got.ReleaseDateMin)
	}
	if got.Search != "drama" || got.Page != 2 || got.PerPage != 20 {
		t.Fatalf("unexpected filter %+v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/movies?releaseDateMax=yesterday", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", w.Code)
	}
}

func TestDeleteMovie_Forbidden(t *testing.T) {
	svc := &mockMovieService{
		removeOwnedFunc: func(ctx context.Context, id uint, userID uint) (*model.Movie, error) {
			if userID != 1 {
				return nil, apperr.Forbidden("you do not own this movie")
			}
			return &model.Movie{ID: id}, nil
		},
	}
	s := newTestServer(svc)
	r := gin.New()
	r.DELETE("/movies/:id", withUser(2, s.handleDeleteMovie))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/movies/5", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "forbidden" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSeedDemoUser_Idempotent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	if err := db.AutoMigrate(&model.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := seedDemoUser(context.Background(), db, nil); err != nil {
			t.Fatalf("seed #%d: %v", i, err)
		}
	}
	var count int64
	db.Model(&model.User{}).Where("email = ?", demoEmail).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 demo user, got %d", count)
	}
}
