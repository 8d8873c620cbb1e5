// Package main is the entry point for the validahub-core API server: the
// job intake HTTP surface plus an embedded outbox dispatcher feeding the
// SSE event stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"validahub-core/internal/config"
	"validahub-core/internal/domain/auth"
	v1 "validahub-core/internal/infrastructure/http/v1"
	"validahub-core/internal/infrastructure/objectstore"
	"validahub-core/internal/infrastructure/storage/postgres"
	"validahub-core/internal/outbox"
	"validahub-core/internal/ratelimit"
	"validahub-core/internal/usecase"
	"validahub-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: !cfg.IsProduction(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting validahub-core server")

	// --- Database ---
	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	if os.Getenv("AUTO_MIGRATE") == "true" {
		if err := postgres.ApplyMigrations(ctx, pool); err != nil {
			log.Fatalw("failed to apply migrations", "error", err)
		}
		log.Info("schema migrations applied")
	}

	txManager := postgres.NewTxManager(pool)
	idempotencyStore := postgres.NewIdempotencyStore(pool, txManager)
	outboxStore := postgres.NewOutboxStore(pool, txManager)
	jobRepo := postgres.NewJobRepo(txManager, outboxStore)

	auditService, err := postgres.NewSecurityAuditService(pool)
	if err != nil {
		log.Fatalw("failed to create security audit service", "error", err)
	}

	// --- Rate limiter ---
	var redisClient redis.UniversalClient
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalw("invalid REDIS_URL", "error", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		redisClient = client
		limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimitFailOpen)
		log.Info("redis rate limiter configured", "fail_open", cfg.RateLimitFailOpen)
	} else {
		limiter = ratelimit.NewInProcessLimiter()
		log.Warn("REDIS_URL not set, using in-process rate limiter")
	}

	// --- Application service ---
	jobService := usecase.NewJobService(
		jobRepo,
		idempotencyStore,
		limiter,
		txManager,
		objectstore.NewHTTPChecker(5*time.Second),
		usecase.Config{
			RateLimit:      cfg.RateLimit,
			RateWindow:     cfg.RateWindow,
			IdempotencyTTL: cfg.IdempotencyTTL,
			MaxRetryDepth:  cfg.MaxRetryDepth,
			MaxFileBytes:   cfg.MaxFileBytes,
		},
	)

	// --- Outbox dispatcher (embedded) ---
	// Feeds the SSE stream broker alongside the log sink. Deployments with
	// a dedicated dispatcher run cmd/worker instead and scale it
	// independently; FOR UPDATE SKIP LOCKED keeps replicas from
	// double-delivering within a poll.
	broker := outbox.NewBroker(64)
	dispatcherCfg := outbox.DefaultDispatcherConfig()
	dispatcherCfg.PollInterval = cfg.OutboxPollInterval
	dispatcherCfg.BatchSize = cfg.OutboxBatchSize
	dispatcherCfg.MaxAttempts = cfg.OutboxMaxAttempts
	dispatcherCfg.Retention = cfg.OutboxRetention

	dispatcher := outbox.NewDispatcher(outboxStore,
		[]outbox.Subscriber{outbox.LogSubscriber{}, broker}, dispatcherCfg)
	dispatcherCtx := logger.WithLogger(ctx, log.WithComponent("dispatcher"))
	go dispatcher.Run(dispatcherCtx)

	// --- Router ---
	jwtService := auth.NewJWTService(auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
	})

	router := v1.NewRouter(v1.RouterConfig{
		Logger:          log,
		Pool:            pool,
		Redis:           redisClient,
		JWTValidator:    jwtService,
		JobService:      jobService,
		CompatMode:      cfg.CompatMode,
		Broker:          broker,
		SecurityAuditor: auditService,
		AllowedOrigins:  cfg.AllowedOrigins,
		TrustedHosts:    cfg.TrustedHosts,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open; per-handler deadlines apply
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	cancel()
	<-dispatcher.Done()

	log.Info("server stopped")
}
