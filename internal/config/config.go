package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Storage  StorageConfig  `json:"storage"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`                // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`          // API 服务监听地址
	CleanupInterval  time.Duration `json:"cleanup_interval"`   // 待上传封面电影的清理间隔（如 "60s"）
	PendingImageTTL  time.Duration `json:"pending_image_ttl"`  // 电影等待封面的最长时间（如 "5m"）
	ReminderInterval time.Duration `json:"reminder_interval"`  // 上映提醒轮询间隔（如 "1m"）
	ReminderClaimTTL time.Duration `json:"reminder_claim_ttl"` // 提醒发送占位的有效期
	DefaultPerPage   int           `json:"default_per_page"`   // 列表默认每页数量
	MailRateLimit    float64       `json:"mail_rate_limit"`    // 邮件发送速率（封/秒）
	MailRateBurst    float64       `json:"mail_rate_burst"`    // 邮件发送桶容量
	SeedDemo         bool          `json:"seed_demo"`          // 启动时是否写入演示账号
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// StorageConfig 封面图对象存储配置（Supabase Storage）。
type StorageConfig struct {
	SupabaseURL    string `json:"supabase_url"`     // 项目地址，如 https://xyz.supabase.co
	ServiceKey     string `json:"service_key"`      // service role key
	Bucket         string `json:"bucket"`           // 存储桶名称
	Folder         string `json:"folder"`           // 封面图目录
	CDNDomain      string `json:"cdn_domain"`       // 自定义 CDN 域名（可选）
	MaxUploadBytes int64  `json:"max_upload_bytes"` // 单个封面大小上限
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string        `json:"jwt_secret"` // JWT 签名密钥
	TokenTTL  time.Duration `json:"token_ttl"`  // Token 有效期
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 当前目录下的 .env 会先被载入环境变量（不存在时忽略）。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	_ = godotenv.Load()

	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		// 即使没有配置文件，也允许环境变量覆盖默认值
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8080",
			CleanupInterval:  60 * time.Second,
			PendingImageTTL:  5 * time.Minute,
			ReminderInterval: time.Minute,
			ReminderClaimTTL: 24 * time.Hour,
			DefaultPerPage:   10,
			MailRateLimit:    2,
			MailRateBurst:    5,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/movietracker?parseTime=true&loc=UTC&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.ethereal.email",
			SMTPPort: 587,
			FromName: "Movie Tracker",
		},
		Storage: StorageConfig{
			Bucket:         "movie-covers",
			Folder:         "movie-covers",
			MaxUploadBytes: 5 * 1024 * 1024,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
			TokenTTL:  24 * time.Hour,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.CleanupInterval == 0 {
		cfg.App.CleanupInterval = defaults.App.CleanupInterval
	}
	if cfg.App.PendingImageTTL == 0 {
		cfg.App.PendingImageTTL = defaults.App.PendingImageTTL
	}
	if cfg.App.ReminderInterval == 0 {
		cfg.App.ReminderInterval = defaults.App.ReminderInterval
	}
	if cfg.App.ReminderClaimTTL == 0 {
		cfg.App.ReminderClaimTTL = defaults.App.ReminderClaimTTL
	}
	if cfg.App.DefaultPerPage == 0 {
		cfg.App.DefaultPerPage = defaults.App.DefaultPerPage
	}
	if cfg.App.MailRateLimit == 0 {
		cfg.App.MailRateLimit = defaults.App.MailRateLimit
	}
	if cfg.App.MailRateBurst == 0 {
		cfg.App.MailRateBurst = defaults.App.MailRateBurst
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = defaults.Email.FromName
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = defaults.Storage.Bucket
	}
	if cfg.Storage.Folder == "" {
		cfg.Storage.Folder = defaults.Storage.Folder
	}
	if cfg.Storage.MaxUploadBytes == 0 {
		cfg.Storage.MaxUploadBytes = defaults.Storage.MaxUploadBytes
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = defaults.Security.TokenTTL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("supabase_service_key", "SUPABASE_SERVICE_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.CleanupInterval = d
		}
	}
	if v := os.Getenv("APP_PENDING_IMAGE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PendingImageTTL = d
		}
	}
	if v := os.Getenv("APP_REMINDER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ReminderInterval = d
		}
	}
	if v := os.Getenv("APP_REMINDER_CLAIM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ReminderClaimTTL = d
		}
	}
	if v := os.Getenv("APP_DEFAULT_PER_PAGE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DefaultPerPage = i
		}
	}
	if v := os.Getenv("APP_MAIL_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.MailRateLimit = f
		}
	}
	if v := os.Getenv("APP_MAIL_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.MailRateBurst = f
		}
	}
	if v := os.Getenv("APP_SEED_DEMO"); v != "" {
		cfg.App.SeedDemo = v == "true" || v == "1"
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("JWT_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.TokenTTL = d
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}

	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Storage.SupabaseURL = v
	}
	if v := viper.GetString("supabase_service_key"); v != "" {
		cfg.Storage.ServiceKey = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_CDN_DOMAIN"); v != "" {
		cfg.Storage.CDNDomain = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:                 "root",
		Net:                  "tcp",
		Addr:                 "localhost:3306",
		DBName:               "movietracker",
		AllowNativePasswords: true,
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "UTC",
			"charset":   "utf8mb4",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		CleanupInterval  string `json:"cleanup_interval"`
		PendingImageTTL  string `json:"pending_image_ttl"`
		ReminderInterval string `json:"reminder_interval"`
		ReminderClaimTTL string `json:"reminder_claim_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cleanup_interval", aux.CleanupInterval, &a.CleanupInterval},
		{"pending_image_ttl", aux.PendingImageTTL, &a.PendingImageTTL},
		{"reminder_interval", aux.ReminderInterval, &a.ReminderInterval},
		{"reminder_claim_ttl", aux.ReminderClaimTTL, &a.ReminderClaimTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalJSON 支持 token_ttl 使用 "24h" 形式。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL string `json:"token_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TokenTTL != "" {
		d, err := time.ParseDuration(aux.TokenTTL)
		if err != nil {
			return fmt.Errorf("invalid token_ttl format: %w", err)
		}
		s.TokenTTL = d
	}
	return nil
}
