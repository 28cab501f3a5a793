package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/auth-gateway/api/swagger"
	"github.com/noah-isme/auth-gateway/internal/handler"
	"github.com/noah-isme/auth-gateway/internal/middleware"
	"github.com/noah-isme/auth-gateway/internal/repository"
	"github.com/noah-isme/auth-gateway/internal/service"
	"github.com/noah-isme/auth-gateway/pkg/cache"
	"github.com/noah-isme/auth-gateway/pkg/config"
	"github.com/noah-isme/auth-gateway/pkg/database"
	"github.com/noah-isme/auth-gateway/pkg/logger"
	corsmiddleware "github.com/noah-isme/auth-gateway/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/auth-gateway/pkg/middleware/requestid"
)

// @title Auth Gateway API
// @version 1.0.0
// @description Password authentication with rotating refresh tokens
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(db); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	metrics := service.NewMetricsService()

	hasher, err := service.NewPasswordHasher(cfg.Password)
	if err != nil {
		logr.Fatal("invalid password hashing config", zap.Error(err))
	}
	tokens, err := service.NewTokenService(cfg.JWT)
	if err != nil {
		logr.Fatal("invalid token config", zap.Error(err))
	}

	var attempts service.AttemptStore
	if cfg.RateLimit.Store == config.StoreRedis {
		attempts = repository.NewRedisAttemptRepository(redisClient)
	} else {
		attempts = repository.NewMemoryAttemptRepository()
	}
	limiter := service.NewRateLimiter(attempts, cfg.RateLimit)

	var (
		sessions service.SessionRegistry
		sweeper  *service.SessionSweeper
	)
	if cfg.Session.Store == config.StoreRedis {
		sessions = repository.NewRedisSessionRepository(redisClient)
	} else {
		pgSessions := repository.NewPostgresSessionRepository(db)
		sessions = pgSessions
		sweeper = service.NewSessionSweeper(pgSessions, cfg.Session.SweepInterval, cfg.StoreTimeout, logr.Named("sweeper"))
	}

	var audit service.AuditRecorder
	if cfg.Audit.Enabled {
		auditSvc := service.NewAuditService(repository.NewAuditRepository(db), cfg.Audit.Workers, cfg.StoreTimeout, logr.Named("audit"), metrics)
		auditSvc.Start(ctx)
		defer auditSvc.Stop()
		audit = auditSvc
	}

	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			logr.Fatal("failed to start session sweeper", zap.Error(err))
		}
		defer sweeper.Stop()
	}

	authSvc, err := service.NewAuthService(service.AuthDependencies{
		Users:    repository.NewUserRepository(db),
		Hasher:   hasher,
		Tokens:   tokens,
		Sessions: sessions,
		Limiter:  limiter,
		Audit:    audit,
		Metrics:  metrics,
	}, validator.New(), logr.Named("auth"), service.AuthConfig{
		RefreshTokenTTL: tokens.RefreshTTL(),
		StoreTimeout:    cfg.StoreTimeout,
	})
	if err != nil {
		logr.Fatal("failed to build auth service", zap.Error(err))
	}

	checks := map[string]handler.Pinger{"postgres": db.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	authHandler := handler.NewAuthHandler(authSvc)
	healthHandler := handler.NewHealthHandler(checks, 2*time.Second, logr)
	metricsHandler := handler.NewMetricsHandler(metrics)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	auth.Use(middleware.RequestLimiter(redisClient, cfg.RateLimit.RequestsPerMinute, metrics, logr.Named("throttle")))
	if cfg.CSRF.Enabled {
		auth.Use(middleware.CSRFSession(cfg.CSRF.Secret, cfg.Env == config.EnvProduction), middleware.VerifyCSRF())
		auth.GET("/csrf", authHandler.CSRF)
	}

	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)

	protected := auth.Group("")
	protected.Use(middleware.JWT(authSvc))
	protected.POST("/logout", authHandler.Logout)
	protected.POST("/logout-all", authHandler.LogoutAll)
	protected.GET("/me", authHandler.Me)
	protected.DELETE("/me", authHandler.Deactivate)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
