package ratelimit

import (
	"context"
	"sync"
	"time"

	"validahub-core/internal/core/tenant"
)

type bucket struct {
	tokens float64
	at     time.Time
}

// InProcessLimiter is a single-instance token bucket keyed by tenant and
// resource, protected by a map mutex. Used in tests and in deployments too
// small to need a shared Redis.
type InProcessLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewInProcessLimiter creates an empty InProcessLimiter.
func NewInProcessLimiter() *InProcessLimiter {
	return &InProcessLimiter{buckets: make(map[string]*bucket)}
}

// Allow implements Limiter.
func (l *InProcessLimiter) Allow(_ context.Context, tenantID tenant.TenantID, resource string, limit int, window time.Duration) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	key := string(tenantID) + ":" + resource
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(limit), at: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.at)
	if elapsed > 0 {
		refill := elapsed.Seconds() / window.Seconds() * float64(limit)
		b.tokens += refill
		if b.tokens > float64(limit) {
			b.tokens = float64(limit)
		}
		b.at = now
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}

	return Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  int(b.tokens),
		ResetAfter: window,
	}, nil
}

// Info implements Limiter.
func (l *InProcessLimiter) Info(_ context.Context, tenantID tenant.TenantID, resource string, limit int, window time.Duration) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := limit
	if b, ok := l.buckets[string(tenantID)+":"+resource]; ok {
		refilled := b.tokens + time.Since(b.at).Seconds()/window.Seconds()*float64(limit)
		if refilled > float64(limit) {
			refilled = float64(limit)
		}
		remaining = int(refilled)
	}
	return Result{
		Allowed:    remaining > 0,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: window,
	}, nil
}

var _ Limiter = (*InProcessLimiter)(nil)
