package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App       AppConfig       `json:"app"`
	MySQL     MySQLConfig     `json:"mysql"`
	Redis     RedisConfig     `json:"redis"`
	Email     EmailConfig     `json:"email"`
	Security  SecurityConfig  `json:"security"`
	AI        AIConfig        `json:"ai"`
	OAuth     OAuthConfig     `json:"oauth"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: development / production
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`         // API 服务监听地址
	FrontendURL      string        `json:"frontend_url"`      // 前端地址（拼接验证/重置链接）
	ScheduleInterval time.Duration `json:"schedule_interval"` // 订阅维护任务的执行间隔
}

// IsDevelopment 报告当前是否为开发环境（错误响应附带详细原因）。
func (a AppConfig) IsDevelopment() bool {
	return a.Env != "production"
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置（限流计数器）。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件通知配置。SMTP 未配置时验证/重置链接仅写入日志。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret      string        `json:"jwt_secret"`       // JWT 签名密钥（启动后不再变更）
	SessionTTL     time.Duration `json:"session_ttl"`      // 会话令牌默认有效期
	ResetTokenTTL  time.Duration `json:"reset_token_ttl"`  // 密码重置令牌有效期
	VerifyTokenTTL time.Duration `json:"verify_token_ttl"` // 邮箱验证令牌有效期
}

// AIConfig 第三方生成式模型配置。
type AIConfig struct {
	APIKey          string        `json:"api_key"`           // Gemini API Key
	Model           string        `json:"model"`             // 模型名称（如 gemini-pro）
	Endpoint        string        `json:"endpoint"`          // API 基础地址
	Timeout         time.Duration `json:"timeout"`           // 单次调用超时
	MaxOutputTokens int           `json:"max_output_tokens"` // 默认输出 token 上限
}

// OAuthConfig 第三方登录配置。
type OAuthConfig struct {
	GoogleClientID     string `json:"google_client_id"`
	GoogleClientSecret string `json:"google_client_secret"`
	CallbackURL        string `json:"callback_url"`
}

// RateLimitRule 单条限流规则：窗口内最多允许 Max 次请求。
type RateLimitRule struct {
	Window time.Duration `json:"window"` // 统计窗口
	Max    int64         `json:"max"`    // 窗口内上限（<=0 表示不限制）
}

// RateLimitConfig 按路由组划分的限流配置。
type RateLimitConfig struct {
	Standard RateLimitRule `json:"standard"` // 普通 API
	Auth     RateLimitRule `json:"auth"`     // 登录/注册
	AI       RateLimitRule `json:"ai"`       // AI 查询
}

// Load 从 JSON 文件加载配置。
//
// 文件不存在时使用默认值；环境变量始终优先覆盖。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
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

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "development",
			LogLevel:         "info",
			HTTPAddr:         ":3000",
			FrontendURL:      "http://localhost:3000",
			ScheduleInterval: time.Hour,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/queryhub?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
		},
		Security: SecurityConfig{
			JWTSecret:      "dev_secret_change_me",
			SessionTTL:     24 * time.Hour,
			ResetTokenTTL:  time.Hour,
			VerifyTokenTTL: 24 * time.Hour,
		},
		AI: AIConfig{
			APIKey:          "",
			Model:           "gemini-pro",
			Endpoint:        "https://generativelanguage.googleapis.com/v1beta",
			Timeout:         30 * time.Second,
			MaxOutputTokens: 1024,
		},
		OAuth: OAuthConfig{},
		RateLimit: RateLimitConfig{
			Standard: RateLimitRule{Window: 15 * time.Minute, Max: 100},
			Auth:     RateLimitRule{Window: 15 * time.Minute, Max: 5},
			AI:       RateLimitRule{Window: time.Hour, Max: 50},
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
	if cfg.App.FrontendURL == "" {
		cfg.App.FrontendURL = defaults.App.FrontendURL
	}
	if cfg.App.ScheduleInterval == 0 {
		cfg.App.ScheduleInterval = defaults.App.ScheduleInterval
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
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.SessionTTL == 0 {
		cfg.Security.SessionTTL = defaults.Security.SessionTTL
	}
	if cfg.Security.ResetTokenTTL == 0 {
		cfg.Security.ResetTokenTTL = defaults.Security.ResetTokenTTL
	}
	if cfg.Security.VerifyTokenTTL == 0 {
		cfg.Security.VerifyTokenTTL = defaults.Security.VerifyTokenTTL
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = defaults.AI.Model
	}
	if cfg.AI.Endpoint == "" {
		cfg.AI.Endpoint = defaults.AI.Endpoint
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = defaults.AI.Timeout
	}
	if cfg.AI.MaxOutputTokens == 0 {
		cfg.AI.MaxOutputTokens = defaults.AI.MaxOutputTokens
	}
	if cfg.RateLimit.Standard.Window == 0 {
		cfg.RateLimit.Standard = defaults.RateLimit.Standard
	}
	if cfg.RateLimit.Auth.Window == 0 {
		cfg.RateLimit.Auth = defaults.RateLimit.Auth
	}
	if cfg.RateLimit.AI.Window == 0 {
		cfg.RateLimit.AI = defaults.RateLimit.AI
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("gemini_api_key", "GEMINI_API_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	} else if v := os.Getenv("NODE_ENV"); v != "" {
		// 兼容旧部署脚本
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	} else if v := os.Getenv("PORT"); v != "" {
		cfg.App.HTTPAddr = ":" + v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.App.FrontendURL = v
	}
	if v := os.Getenv("APP_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScheduleInterval = d
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRES_IN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.SessionTTL = d
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" {
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

	if v := viper.GetString("gemini_api_key"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("GEMINI_ENDPOINT"); v != "" {
		cfg.AI.Endpoint = v
	}

	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.OAuth.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.OAuth.GoogleClientSecret = v
	}
	if v := os.Getenv("OAUTH_CALLBACK_URL"); v != "" {
		cfg.OAuth.CallbackURL = v
	}

	applyRateLimitEnv(&cfg.RateLimit.Standard, "RATE_LIMIT_WINDOW", "RATE_LIMIT_MAX_REQUESTS")
	applyRateLimitEnv(&cfg.RateLimit.Auth, "AUTH_RATE_LIMIT_WINDOW", "AUTH_RATE_LIMIT_MAX")
	applyRateLimitEnv(&cfg.RateLimit.AI, "AI_RATE_LIMIT_WINDOW", "AI_RATE_LIMIT_MAX")
}

func applyRateLimitEnv(rule *RateLimitRule, windowKey, maxKey string) {
	if v := os.Getenv(windowKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			rule.Window = d
		}
	}
	if v := os.Getenv(maxKey); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			rule.Max = i
		}
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
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "queryhub",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
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

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "24h"）。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		SessionTTL     string `json:"session_ttl"`
		ResetTokenTTL  string `json:"reset_token_ttl"`
		VerifyTokenTTL string `json:"verify_token_ttl"`
		*Alias
	}{Alias: (*Alias)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if s.SessionTTL, err = parseOptionalDuration(aux.SessionTTL, "session_ttl"); err != nil {
		return err
	}
	if s.ResetTokenTTL, err = parseOptionalDuration(aux.ResetTokenTTL, "reset_token_ttl"); err != nil {
		return err
	}
	if s.VerifyTokenTTL, err = parseOptionalDuration(aux.VerifyTokenTTL, "verify_token_ttl"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScheduleInterval string `json:"schedule_interval"`
		*Alias
	}{Alias: (*Alias)(a)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	a.ScheduleInterval, err = parseOptionalDuration(aux.ScheduleInterval, "schedule_interval")
	return err
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (c *AIConfig) UnmarshalJSON(data []byte) error {
	type Alias AIConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		*Alias
	}{Alias: (*Alias)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	c.Timeout, err = parseOptionalDuration(aux.Timeout, "timeout")
	return err
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (r *RateLimitRule) UnmarshalJSON(data []byte) error {
	type Alias RateLimitRule
	aux := &struct {
		Window string `json:"window"`
		*Alias
	}{Alias: (*Alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	r.Window, err = parseOptionalDuration(aux.Window, "window")
	return err
}

func parseOptionalDuration(v, field string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", field, err)
	}
	return d, nil
}
