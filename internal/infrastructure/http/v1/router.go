// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"validahub-core/internal/idempotency"
	"validahub-core/internal/infrastructure/http/v1/handlers"
	"validahub-core/internal/infrastructure/http/v1/middleware"
	"validahub-core/internal/infrastructure/storage/postgres"
	"validahub-core/internal/outbox"
	"validahub-core/internal/usecase"
	"validahub-core/pkg/logger"
)

// RouterConfig holds everything the router assembles per instance. No
// global singletons: the composition root builds one of these and hands it
// over.
type RouterConfig struct {
	Logger *logger.Logger

	// Pool is the shared database pool, used by readiness checks.
	Pool *postgres.Pool

	// Redis is the rate limiter backing store; nil in in-process mode.
	Redis redis.UniversalClient

	JWTValidator middleware.JWTValidator

	JobService *usecase.JobService

	// CompatMode controls how legacy idempotency keys are handled.
	CompatMode idempotency.CompatMode

	// Broker feeds the SSE stream endpoint; nil disables it.
	Broker *outbox.Broker

	// SecurityAuditor records rejected security-relevant requests; nil
	// disables the trail.
	SecurityAuditor middleware.SecurityAuditor

	AllowedOrigins []string
	TrustedHosts   []string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters: recovery outermost, then tracing
	// so every log line carries ids, then the error renderer).
	router.Use(middleware.Recovery())
	router.Use(middleware.TrustedHosts(cfg.TrustedHosts))
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.ErrorHandler(cfg.SecurityAuditor))

	// Health endpoints (no auth, no tenant required).
	healthHandler := handlers.NewHealthHandler(cfg.Pool, cfg.Redis)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1: tenant resolution first, then auth (which cross-checks the
	// token tenant claim), then idempotency key resolution for mutating
	// verbs. The resolved key is only canonicalized here; the duplicate
	// decision belongs to the persistence layer.
	apiV1 := router.Group("/v1")
	apiV1.Use(middleware.TenantContext())
	apiV1.Use(middleware.Auth(cfg.JWTValidator))
	apiV1.Use(middleware.Idempotency(cfg.CompatMode))

	base := handlers.NewBaseHandler()
	jobsHandler := handlers.NewJobsHandler(base, cfg.JobService, cfg.Broker)
	jobsHandler.RegisterRoutes(apiV1.Group("/jobs"))

	return router
}
