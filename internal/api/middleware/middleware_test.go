package middleware

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)

func signToken(t *testing.T, secret, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware("secret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": UserID(c)})
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad scheme", "Token abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", "7", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, "secret", "7", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"bad subject", "Bearer " + signToken(t, "secret", "abc", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"ok", "Bearer " + signToken(t, "secret", "7", time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
		if tc.want == http.StatusOK && w.Body.String() != `{"id":7}` {
			t.Fatalf("unexpected body %s", w.Body.String())
		}
	}
}

func multipartRequest(t *testing.T, field, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(content)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCoverImageUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var got string
	r.POST("/upload", CoverImageUpload(1024), func(c *gin.Context) {
		f, ok := UploadedFile(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		got = f.Filename + "|" + f.ContentType
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"ok", multipartRequest(t, CoverImageField, "poster.png", "image/png", pngBytes), http.StatusNoContent},
		{"wrong field", multipartRequest(t, "file", "poster.png", "image/png", pngBytes), http.StatusBadRequest},
		{"declared pdf", multipartRequest(t, CoverImageField, "doc.pdf", "application/pdf", pngBytes), http.StatusBadRequest},
		{"text disguised as png", multipartRequest(t, CoverImageField, "fake.png", "image/png", []byte("hello, world")), http.StatusBadRequest},
		{"too large", multipartRequest(t, CoverImageField, "big.png", "image/png", append(pngBytes, make([]byte, 2048)...)), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, tc.req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
	if got != "poster.png|image/png" {
		t.Fatalf("unexpected uploaded file %q", got)
	}
}
