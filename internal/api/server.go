package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"queryhub/internal/api/ai"
	"queryhub/internal/api/auth"
	"queryhub/internal/api/middleware"
	"queryhub/internal/api/scheduler"
	"queryhub/internal/api/subscription"
	"queryhub/internal/config"
	"queryhub/internal/model"
	"queryhub/internal/pkg/gemini"
	"queryhub/internal/pkg/metrics"
	"queryhub/internal/pkg/notify"
	"queryhub/internal/pkg/ratelimit"
	"queryhub/internal/pkg/token"
	"queryhub/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"golang.org/x/oauth2"
)

// Server 组装路由、存储与后台调度。HTTP 监听由调用方负责。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	engine    *gin.Engine
	scheduler *scheduler.Scheduler
}

// NewServer 初始化依赖并注册全部路由。
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	metrics.InitMetrics()

	db, err := gorm.Open(gormmysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if err := db.AutoMigrate(&model.User{}, &model.Subscription{}, &model.Log{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// 限流器对 Redis 故障放行，服务可以降级启动。
		logger.Warn("redis unreachable, rate limiting degraded", slog.String("error", err.Error()))
	}

	users := store.NewUsers(db)
	subs := store.NewSubscriptions(db)
	logs := store.NewLogs(db)

	codec := token.NewCodec(cfg.Security.JWTSecret, cfg.Security.SessionTTL)
	mailer := notify.NewEmailNotifier(&cfg.Email, logger)
	generator := gemini.NewClient(&cfg.AI)

	var oauthCfg *oauth2.Config
	if cfg.OAuth.GoogleClientID != "" && cfg.OAuth.GoogleClientSecret != "" {
		oauthCfg = &oauth2.Config{
			ClientID:     cfg.OAuth.GoogleClientID,
			ClientSecret: cfg.OAuth.GoogleClientSecret,
			RedirectURL:  cfg.OAuth.CallbackURL,
			Scopes:       []string{"profile", "email"},
			Endpoint:     auth.GoogleEndpoint,
		}
	}

	authHandler := auth.NewHandler(users, codec, mailer, oauthCfg,
		cfg.App.FrontendURL, cfg.Security.ResetTokenTTL, cfg.Security.VerifyTokenTTL,
		cfg.App.IsDevelopment(), logger)
	subHandler := subscription.NewHandler(subs, logs, logger)
	aiHandler := ai.NewHandler(generator, subs, logs, logger)

	if !cfg.App.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger(logger))

	standardLimiter := ratelimit.NewFixedWindowLimiter(rdb, "queryhub:ratelimit:standard",
		cfg.RateLimit.Standard.Window, cfg.RateLimit.Standard.Max)
	authLimiter := ratelimit.NewFixedWindowLimiter(rdb, "queryhub:ratelimit:auth",
		cfg.RateLimit.Auth.Window, cfg.RateLimit.Auth.Max)
	aiLimiter := ratelimit.NewFixedWindowLimiter(rdb, "queryhub:ratelimit:ai",
		cfg.RateLimit.AI.Window, cfg.RateLimit.AI.Max)

	engine.GET("/healthz", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		dbStatus, redisStatus := "ok", "ok"
		if sqlDB, err := db.DB(); err != nil {
			dbStatus, status = "down", http.StatusServiceUnavailable
		} else if err := sqlDB.PingContext(checkCtx); err != nil {
			dbStatus, status = "down", http.StatusServiceUnavailable
		}
		if err := rdb.Ping(checkCtx).Err(); err != nil {
			// 限流降级运行，Redis 故障不拉低整体状态
			redisStatus = "degraded"
		}
		c.JSON(status, gin.H{"db": dbStatus, "redis": redisStatus})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.Use(middleware.RateLimit(standardLimiter, "standard", "Too many requests, please try again later.", logger))

	authGroup := api.Group("/auth")
	{
		// 凭据接口单独收紧限流，压制撞库与暴力破解。
		strict := middleware.RateLimit(authLimiter, "auth", "Too many authentication attempts, please try again later.", logger)
		authGroup.POST("/register", strict, authHandler.Register)
		authGroup.POST("/login", strict, authHandler.Login)
		authGroup.POST("/forgot-password", strict, authHandler.ForgotPassword)
		authGroup.POST("/reset-password/:token", strict, authHandler.ResetPassword)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.GET("/verify-email/:token", authHandler.VerifyEmail)
		authGroup.POST("/resend-verification", authHandler.ResendVerification)
		authGroup.GET("/google", authHandler.GoogleAuth)
		authGroup.GET("/google/callback", authHandler.GoogleCallback)
	}

	subGroup := api.Group("/subscriptions")
	{
		subGroup.GET("/plans", subHandler.GetPlans)

		authed := subGroup.Group("", middleware.Auth(codec))
		authed.GET("/my-subscription", subHandler.GetMySubscription)
		authed.POST("/subscribe", subHandler.Subscribe)
		authed.PUT("/upgrade", subHandler.Upgrade)
		authed.PUT("/cancel", subHandler.Cancel)
		authed.GET("/usage", subHandler.GetUsage)
		authed.GET("/quota", subHandler.GetQuota)
	}

	aiGroup := api.Group("/ai", middleware.Auth(codec))
	{
		aiGroup.POST("/query",
			middleware.RateLimit(aiLimiter, "ai", "AI query rate limit exceeded, please try again later.", logger),
			middleware.CheckQuota(subs, logger),
			aiHandler.Query,
		)
		aiGroup.GET("/logs", aiHandler.GetLogs)
		aiGroup.GET("/analysis", aiHandler.GetAnalysis)
		aiGroup.GET("/incidents", aiHandler.GetIncidents)
	}

	return &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		engine:    engine,
		scheduler: scheduler.New(subs, cfg.App.ScheduleInterval, logger),
	}, nil
}

// Router 返回注册完成的 HTTP 处理器。
func (s *Server) Router() http.Handler {
	return s.engine
}

// StartScheduler 启动订阅维护任务，在 ctx 取消时退出。
func (s *Server) StartScheduler(ctx context.Context) {
	go s.scheduler.Run(ctx)
}

// Close 释放数据库与 Redis 连接。
func (s *Server) Close() error {
	if err := s.rdb.Close(); err != nil {
		s.logger.Warn("close redis failed", slog.String("error", err.Error()))
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
