package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"movietracker/internal/api/middleware"
	"movietracker/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Handler 提供注册、登录与登录状态检查接口。
type Handler struct {
	db        *gorm.DB
	jwtSecret []byte
	tokenTTL  time.Duration
	logger    *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(db *gorm.DB, jwtSecret string, tokenTTL time.Duration, logger *slog.Logger) *Handler {
	registerValidators()
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Handler{
		db:        db,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

type signupRequest struct {
	Name            string `json:"name" binding:"required,min=4,max=20"`
	Email           string `json:"email" binding:"required,email"`
	Password        string `json:"password" binding:"required,strongpwd"`
	PasswordConfirm string `json:"passwordConfirm" binding:"required,eqfield=Password"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type userResponse struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Signup 创建新用户。
func (h *Handler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err), "code": "bad_request"})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	var count int64
	if err := h.db.WithContext(c.Request.Context()).Model(&model.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		h.logError("query user failed", email, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed", "code": "internal"})
		return
	}
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "email already exists", "code": "conflict"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed", "code": "internal"})
		return
	}

	user := model.User{
		Name:     strings.TrimSpace(req.Name),
		Email:    email,
		Password: string(hash),
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already exists", "code": "conflict"})
			return
		}
		h.logError("create user failed", email, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed", "code": "internal"})
		return
	}

	if h.logger != nil {
		h.logger.Info("user signed up", slog.String("email", email), slog.Uint64("user_id", uint64(user.ID)))
	}
	c.JSON(http.StatusCreated, userResponse{ID: user.ID, Name: user.Name, Email: user.Email})
}

// Login 校验用户并返回 JWT。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err), "code": "bad_request"})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
		return
	}

	token, err := h.IssueToken(user.ID)
	if err != nil {
		h.logError("sign token failed", email, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed", "code": "internal"})
		return
	}

	if h.logger != nil {
		h.logger.Info("user logged in", slog.String("email", email))
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// Check 返回当前令牌对应的用户。
func (h *Handler) Check(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return
	}
	var user model.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found", "code": "not_found"})
			return
		}
		if h.logger != nil {
			h.logger.Error("load user failed", slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load user failed", "code": "internal"})
		return
	}
	c.JSON(http.StatusOK, userResponse{ID: user.ID, Name: user.Name, Email: user.Email})
}

// IssueToken 为 userID 签发 HS256 JWT。
func (h *Handler) IssueToken(userID uint) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

func (h *Handler) logError(msg, email string, err error) {
	if h.logger != nil {
		h.logger.Error(msg, slog.String("email", email), slog.String("error", err.Error()))
	}
}

var registerOnce sync.Once

func registerValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("strongpwd", strongPassword)
		}
	})
}

// strongPassword 至少 8 位，包含大写、小写、数字和符号各一个。
func strongPassword(fl validator.FieldLevel) bool {
	return IsStrongPassword(fl.Field().String())
}

// IsStrongPassword 校验密码强度。
func IsStrongPassword(pw string) bool {
	if len(pw) < 8 {
		return false
	}
	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	return upper && lower && digit && symbol
}

func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "strongpwd":
		return "the password must be at least 8 characters long, containing at least 1 uppercase character, 1 lowercase, 1 number, and 1 symbol"
	case "eqfield":
		return "passwords do not match"
	case "email":
		return "email must be a valid address"
	case "required":
		return strings.ToLower(fe.Field()) + " is required"
	case "min", "max":
		return strings.ToLower(fe.Field()) + " must be between 4 and 20 characters"
	}
	return "invalid " + strings.ToLower(fe.Field())
}
