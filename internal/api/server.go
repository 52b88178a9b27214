package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"movietracker/internal/api/auth"
	"movietracker/internal/api/middleware"
	"movietracker/internal/config"
	"movietracker/internal/model"
	"movietracker/internal/movie"
	"movietracker/internal/pkg/dedup"
	"movietracker/internal/pkg/metrics"
	"movietracker/internal/pkg/notify"
	"movietracker/internal/pkg/ratelimit"
	"movietracker/internal/pkg/storage"
	"movietracker/internal/reminder"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、Gin 路由引擎，以及两个后台轮询：
// 待上传电影清理与上映提醒投递。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine
	auth   *auth.Handler
	movies MovieService

	background []func(ctx context.Context)
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// MovieService 是 HTTP 层使用的电影生命周期操作。
type MovieService interface {
	CreateInitial(ctx context.Context, userID uint, in movie.Input) (*model.Movie, error)
	UploadCoverImage(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error)
	UpdateMovieData(ctx context.Context, id uint, patch movie.Patch, userID uint) (*model.Movie, error)
	UpdateCoverImage(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error)
	RemovePending(ctx context.Context, id uint) (bool, error)
	RemoveOwned(ctx context.Context, id uint, userID uint) (*model.Movie, error)
	FindAll(ctx context.Context, f movie.Filter) (*movie.Page, error)
	FindOne(ctx context.Context, id uint) (*model.Movie, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 创建对象存储网关、邮件通知、提醒调度与电影服务
// 4. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&model.User{}, &model.Movie{}, &model.EmailSchedule{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	gateway, err := storage.NewGateway(cfg.Storage.SupabaseURL, cfg.Storage.ServiceKey, cfg.Storage.Bucket, cfg.Storage.CDNDomain)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	metrics.InitMetrics()

	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)
	limiter := ratelimit.NewMailLimiter(rdb, logger, ratelimit.MailLimits{
		PerSecond: cfg.App.MailRateLimit,
		Burst:     cfg.App.MailRateBurst,
	})
	reminders := reminder.NewScheduler(reminder.NewGormStore(db), emailNotifier, logger, reminder.Options{
		Interval: cfg.App.ReminderInterval,
	}).
		WithClaimer(dedup.NewDeduplicator(rdb, cfg.App.ReminderClaimTTL)).
		WithLimiter(limiter)

	movies := movie.NewService(movie.NewGormStore(db), gateway, reminders, logger, movie.Options{
		Folder:          cfg.Storage.Folder,
		PendingTTL:      cfg.App.PendingImageTTL,
		CleanupInterval: cfg.App.CleanupInterval,
		DefaultPerPage:  cfg.App.DefaultPerPage,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		rdb:        rdb,
		router:     r,
		auth:       auth.NewHandler(db, cfg.Security.JWTSecret, cfg.Security.TokenTTL, logger),
		movies:     movies,
		background: []func(ctx context.Context){movies.RunCleanup, reminders.Run},
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartBackground 启动后台轮询，Close 时停止并等待退出。
func (s *Server) StartBackground(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i, run := range s.background {
		s.wg.Add(1)
		go func(i int, run func(context.Context)) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("PANIC in background loop", slog.Int("loop", i), slog.Any("panic", r))
				}
			}()
			run(ctx)
		}(i, run)
	}
}

// Close 停止后台轮询，然后关闭数据库与缓存连接。
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("background loops did not stop in time")
	}

	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/auth/signup", s.auth.Signup)
	s.router.POST("/auth/login", s.auth.Login)
	s.router.GET("/movies", s.handleListMovies)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.GET("/auth/check", s.auth.Check)
	authed.GET("/movies/:id", s.handleGetMovie)
	authed.POST("/movies", s.handleCreateMovie)
	authed.PATCH("/movies/:id", s.handleUpdateMovie)
	authed.DELETE("/movies/:id", s.handleDeleteMovie)

	upload := middleware.CoverImageUpload(s.cfg.Storage.MaxUploadBytes)
	authed.POST("/movies/:id/cover-image", upload, s.handleUploadCoverImage)
	authed.PATCH("/movies/:id/cover-image", upload, s.handleUpdateCoverImage)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "mysql"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
