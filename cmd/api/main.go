// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/chat-queue/internal/auth"
	"github.com/yourusername/chat-queue/internal/chat"
	"github.com/yourusername/chat-queue/internal/config"
	"github.com/yourusername/chat-queue/internal/document"
	"github.com/yourusername/chat-queue/internal/jobs"
	"github.com/yourusername/chat-queue/internal/logger"
	"github.com/yourusername/chat-queue/internal/metrics"
	"github.com/yourusername/chat-queue/internal/queue"
	"github.com/yourusername/chat-queue/internal/ratelimit"
	"github.com/yourusername/chat-queue/internal/storage"
	"github.com/yourusername/chat-queue/internal/store"
	"github.com/yourusername/chat-queue/internal/telemetry"
)

const (
	serviceName     = "chat-queue-api"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 2 * time.Second
)

// pinger は DB 疎通確認の対象です。
type pinger interface {
	Ping(ctx context.Context) error
}

// server はルーティングに必要な依存をまとめたものです。
type server struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *queue.Registry
	auth      *auth.Manager
	flow      *chat.Flow
	tracker   *jobs.Tracker
	reporter  *metrics.Reporter
	documents *document.Processor
	limiter   *ratelimit.Limiter
	db        pinger
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(appLogger)
	appLogger.Info("starting API service", slog.String("config", cfg.String()))

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// キューはプロセス全体で1つだけ作成する
	registry, err := queue.NewFromConfig(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to init queues: %w", err)
	}
	defer func() { _ = registry.Close() }()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	db := store.NewPostgres(pool)
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	appLogger.Info("database connection established")

	limiter, closeLimiter, err := newPollLimiter(ctx, cfg, registry, appLogger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	uploads, err := storage.NewLocal(cfg.UploadDir)
	if err != nil {
		return err
	}

	srv := &server{
		cfg:      cfg,
		logger:   appLogger,
		registry: registry,
		auth:     auth.NewManager(cfg, db, appLogger),
		flow: chat.NewFlow(registry, db, chat.ModelOptions{
			Model:       cfg.AIModel,
			Temperature: cfg.AITemperature,
			MaxTokens:   cfg.AIMaxTokens,
		}, appLogger),
		tracker:   jobs.NewTracker(registry, appLogger, jobs.WithPollInterval(cfg.JobPollInterval)),
		reporter:  metrics.NewReporter(registry, appLogger),
		documents: document.NewProcessor(registry, uploads, cfg.MaxUploadBytes, appLogger),
		limiter:   limiter,
		db:        db,
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening", slog.String("addr", httpServer.Addr), slog.String("mode", cfg.GinMode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		appLogger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("server forced to shutdown", slog.Any("error", err))
		return err
	}
	// 投入中のリクエストが捌けてからキュー接続を閉じる
	if err := registry.Close(); err != nil {
		return err
	}
	appLogger.Info("server stopped")
	return nil
}

// newPollLimiter はステータス取得のレート制限を作成します。非同期モード無効時や上限0では nil です。
func newPollLimiter(ctx context.Context, cfg *config.Config, registry *queue.Registry, logger *slog.Logger) (*ratelimit.Limiter, func(), error) {
	noop := func() {}
	if !registry.AsyncAvailable() || cfg.JobPollLimitPerMinute <= 0 {
		return nil, noop, nil
	}
	opts, err := queue.RedisClientOptions(cfg)
	if err != nil {
		return nil, noop, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, noop, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("poll rate limit enabled", slog.Int("per_minute", cfg.JobPollLimitPerMinute))
	return ratelimit.NewPollLimiter(rdb, cfg.JobPollLimitPerMinute, logger), func() { _ = rdb.Close() }, nil
}

// router は gin エンジンを組み立てます。
func (s *server) router() *gin.Engine {
	gin.SetMode(s.cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	// セッションストアの設定（クッキー署名鍵は必須）
	sessionStore := cookie.NewStore([]byte(s.cfg.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   s.cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(s.cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", requestIDHeader}
	router.Use(cors.New(corsConfig))

	s.setupRoutes(router)
	return router
}

func (s *server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, code, database := "ok", http.StatusOK, "ok"
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("health check: database unavailable", slog.Any("error", err))
		status, code, database = "degraded", http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(code, gin.H{
		"status":   status,
		"service":  serviceName,
		"version":  serviceVersion,
		"async":    s.registry.AsyncAvailable(),
		"database": database,
	})
}

func (s *server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	authRoutes := router.Group("/auth")
	{
		// ログイン時はセッション未生成なので CSRF 検証は不要
		authRoutes.POST("/login", s.auth.Login)
		authRoutes.POST("/logout", s.auth.RequireLogin(), s.auth.VerifyCSRF(), s.auth.Logout)
	}

	protected := router.Group("")
	protected.Use(s.auth.RequireLogin(), s.auth.VerifyCSRF())
	{
		protected.POST("/chat/send-async", chat.SendAsyncHandler(s.flow, s.logger))
		protected.POST("/documents/process-async", document.ProcessAsyncHandler(s.documents, s.logger))
		protected.GET("/jobs/:queueName/:jobId",
			s.limiter.Middleware(pollSubject),
			jobStatusHandler(s.tracker, s.logger),
		)
	}

	admin := protected.Group("/admin")
	admin.Use(s.auth.RequireAdmin())
	{
		admin.GET("/queue-metrics", metrics.AllHandler(s.reporter, s.logger))
		admin.GET("/queue-metrics/:queueName", metrics.DetailHandler(s.reporter, s.logger))
	}
}

// pollSubject はレート制限をユーザー単位で数えるためのキーです。
func pollSubject(c *gin.Context) string {
	userID, ok := auth.UserID(c)
	if !ok {
		return ""
	}
	return strconv.FormatInt(userID, 10)
}
