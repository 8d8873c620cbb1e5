// Package ratelimit enforces a per-tenant token bucket over job submission.
// The Redis-backed implementation keeps the bucket state in a single hash
// per (tenant, resource) so concurrent requests across every server instance consume
// from the same budget; the in-process implementation is a drop-in
// fallback for tests and single-instance deployments.
package ratelimit

import (
	"context"
	"time"

	"validahub-core/internal/core/tenant"
)

// Result describes the outcome of a rate-limit check, mirroring the fields
// a client needs to build RateLimit-* response headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter is the port every rate-limiting backend must satisfy. Buckets are
// keyed by (tenant, resource) so separate operations ("job_submission",
// "job_retry") draw from separate budgets.
type Limiter interface {
	// Allow consumes one token from the (tenantID, resource) bucket if
	// available. limit is the bucket capacity and refill rate (tokens per
	// window); window is the duration over which the full limit refills
	// linearly.
	Allow(ctx context.Context, tenantID tenant.TenantID, resource string, limit int, window time.Duration) (Result, error)

	// Info reports the bucket state without consuming a token.
	Info(ctx context.Context, tenantID tenant.TenantID, resource string, limit int, window time.Duration) (Result, error)
}
