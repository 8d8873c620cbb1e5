package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"validahub-core/internal/infrastructure/storage/postgres"
)

// HealthHandler provides liveness and readiness endpoints.
type HealthHandler struct {
	pool  *postgres.Pool
	redis redis.UniversalClient // nil when the rate limiter runs in-process
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(pool *postgres.Pool, redisClient redis.UniversalClient) *HealthHandler {
	return &HealthHandler{pool: pool, redis: redisClient}
}

// Health handles GET /health: is the process alive.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready handles GET /ready: can the service serve traffic. Returns 503 with
// a per-dependency breakdown when any hard dependency is down. Redis being
// down does not fail readiness because the rate limiter is fail-open.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx := c.Request.Context()
	checks := map[string]string{}
	ready := true

	if err := h.pool.Ping(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		checks["database"] = "healthy"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "degraded: " + err.Error()
		} else {
			checks["redis"] = "healthy"
		}
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"checks": checks,
			"time":   time.Now().UTC(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}
