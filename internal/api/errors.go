package api

import (
	"errors"
	"log/slog"
	"net/http"

	"movietracker/internal/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// statusOf 将错误类别映射为 HTTP 状态码。
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindBadRequest:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError 输出 {"error", "code"}；内部错误的底层原因只写日志。
func (s *Server) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	msg := "internal server error"
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	if kind == apperr.KindInternal {
		_ = c.Error(err)
		if s.logger != nil {
			s.logger.Error("request failed",
				slog.String("route", c.FullPath()),
				slog.String("error", err.Error()),
			)
		}
	}
	c.JSON(statusOf(kind), gin.H{"error": msg, "code": string(kind)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": string(apperr.KindBadRequest)})
}
