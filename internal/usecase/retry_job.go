package usecase

import (
	"context"

	"validahub-core/internal/core/apperror"
	appctx "validahub-core/internal/core/context"
	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/idempotency"
	"validahub-core/internal/ratelimit"
	"validahub-core/pkg/logger"
)

// RetryJobResult is the outcome of a retry request. Payload is the
// projection of the freshly created retry job; the original stays
// untouched.
type RetryJobResult struct {
	Payload   []byte
	RateLimit ratelimit.Result
}

// RetryJob loads a failed job and resubmits it as a new queued job linked
// back to the original. Retries draw from the same submission rate budget
// as first-time submissions.
func (s *JobService) RetryJob(ctx context.Context, tenantID tenant.TenantID, rawJobID string) (*RetryJobResult, error) {
	jobID, err := id.Parse(rawJobID)
	if err != nil {
		return nil, apperror.NewValidation("invalid job id").WithDetail("field", "job_id")
	}

	original, err := s.repo.FindByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, apperror.NewNotFound("job", rawJobID)
	}

	rl, err := s.limiter.Allow(ctx, tenantID, submitResource, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		return nil, apperror.NewInternal(err).WithDetail("component", "rate_limiter")
	}
	if !rl.Allowed {
		return nil, apperror.NewRateLimitExceeded(
			tenantID.String(), rl.Limit, int(rl.ResetAfter.Seconds()))
	}

	// The retry job gets its own generated idempotency key: the client did
	// not supply one for the new submission, and reusing the original's
	// would collide with the unique constraint.
	key, err := idempotency.Resolve("", tenantID, "POST", "/v1/jobs/:job_id/retry", idempotency.CompatCanonicalize)
	if err != nil {
		return nil, err
	}

	retry, err := original.Retry(key, s.cfg.MaxRetryDepth)
	if err != nil {
		return nil, err
	}
	retry.EnrichEvents(appctx.GetUserID(ctx), appctx.GetTraceID(ctx))

	payload, err := marshalView(retry)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	err = s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Save(ctx, retry); err != nil {
			return err
		}
		if _, err := s.store.Put(ctx, tenantID, key, payload, s.cfg.IdempotencyTTL); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "job retried",
		"job_id", retry.ID,
		"retry_of", original.ID,
		"retry_depth", retry.RetryDepth,
		"tenant_id", tenantID,
	)
	return &RetryJobResult{Payload: payload, RateLimit: rl}, nil
}
