// Package usecase orchestrates the job intake operations: submit, get,
// list, retry. It owns no business rules of its own; it sequences the value
// objects, rate limiter, idempotency store, repository and outbox according
// to the intake pipeline and maps their failures to the error taxonomy.
package usecase

import (
	"context"
	"time"

	"validahub-core/internal/core/tx"
	"validahub-core/internal/idempotency"
	"validahub-core/internal/job"
	"validahub-core/internal/ratelimit"
)

// submitResource is the rate-limit bucket all submissions draw from,
// including retries (a retry creates a new job).
const submitResource = "job_submission"

// ObjectStore is the port for the optional file-reference liveness check
// before a job is accepted. The real object store lives outside this
// service.
type ObjectStore interface {
	// Stat returns the object size, or an error if the object is missing
	// or unreadable.
	Stat(ctx context.Context, ref job.FileReference) (size int64, err error)
}

// Config tunes the intake pipeline.
type Config struct {
	// RateLimit / RateWindow define the per-tenant submission budget.
	RateLimit  int
	RateWindow time.Duration

	// IdempotencyTTL is how long stored responses replay.
	IdempotencyTTL time.Duration

	// MaxRetryDepth caps retry chains. Zero means job.DefaultMaxRetryDepth.
	MaxRetryDepth int

	// MaxFileBytes rejects oversized inputs at submission time when the
	// object store is consulted. Zero disables the size check.
	MaxFileBytes int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:      60,
		RateWindow:     time.Minute,
		IdempotencyTTL: 24 * time.Hour,
		MaxRetryDepth:  job.DefaultMaxRetryDepth,
		MaxFileBytes:   512 << 20,
	}
}

// JobService is the application service for the intake pipeline. All
// collaborators are ports injected at the composition root.
type JobService struct {
	repo    job.Repository
	store   idempotency.Store
	limiter ratelimit.Limiter
	txm     tx.Manager
	objects ObjectStore // nil disables the liveness check
	cfg     Config
}

// NewJobService creates the intake service. objects may be nil.
func NewJobService(repo job.Repository, store idempotency.Store, limiter ratelimit.Limiter, txm tx.Manager, objects ObjectStore, cfg Config) *JobService {
	defaults := DefaultConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaults.RateWindow
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaults.IdempotencyTTL
	}
	if cfg.MaxRetryDepth <= 0 {
		cfg.MaxRetryDepth = job.DefaultMaxRetryDepth
	}
	return &JobService{repo: repo, store: store, limiter: limiter, txm: txm, objects: objects, cfg: cfg}
}
