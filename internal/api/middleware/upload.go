package middleware

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"movietracker/internal/pkg/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

const (
	// CoverImageField 封面上传的表单字段名。
	CoverImageField = "coverImage"
	// UploadFileKey 上下文中保存已校验文件的键。
	UploadFileKey = "uploadFile"
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// CoverImageUpload 校验 multipart 封面：字段必须存在、不超过 maxBytes，
// 且声明类型与实际内容均为允许的图片格式。通过后把 storage.File 写入上下文。
func CoverImageUpload(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			// 为 multipart 头部预留少量余量
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1<<20)
		}
		fh, err := c.FormFile(CoverImageField)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				badUpload(c, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			badUpload(c, http.StatusBadRequest, "coverImage file is required")
			return
		}
		if maxBytes > 0 && fh.Size > maxBytes {
			badUpload(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}

		declared := strings.ToLower(strings.TrimSpace(strings.Split(fh.Header.Get("Content-Type"), ";")[0]))
		if declared != "" && !allowedImageTypes[declared] {
			badUpload(c, http.StatusBadRequest, "only jpeg, png, webp and gif images are allowed")
			return
		}

		f, err := fh.Open()
		if err != nil {
			badUpload(c, http.StatusBadRequest, "cannot read uploaded file")
			return
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil || len(content) == 0 {
			badUpload(c, http.StatusBadRequest, "cannot read uploaded file")
			return
		}

		detected := mimetype.Detect(content)
		if !allowedImageTypes[detected.String()] {
			badUpload(c, http.StatusBadRequest, "only jpeg, png, webp and gif images are allowed")
			return
		}

		c.Set(UploadFileKey, storage.File{
			Filename:    fh.Filename,
			ContentType: detected.String(),
			Content:     content,
		})
		c.Next()
	}
}

// UploadedFile 返回 CoverImageUpload 写入的文件。
func UploadedFile(c *gin.Context) (storage.File, bool) {
	v, ok := c.Get(UploadFileKey)
	if !ok {
		return storage.File{}, false
	}
	f, ok := v.(storage.File)
	return f, ok
}

func badUpload(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": "bad_request"})
}
