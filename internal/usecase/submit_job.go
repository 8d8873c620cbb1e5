package usecase

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"validahub-core/internal/core/apperror"
	appctx "validahub-core/internal/core/context"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/idempotency"
	"validahub-core/internal/job"
	"validahub-core/internal/ratelimit"
	"validahub-core/pkg/logger"
)

// SubmitJobInput is the raw submission as the HTTP layer hands it over. The
// idempotency key is already resolved (canonical form); everything else is
// untrusted and validated here.
type SubmitJobInput struct {
	TenantID       tenant.TenantID
	SellerID       string
	Channel        string
	Type           string
	FileRef        string
	RulesProfileID string
	CallbackURL    string
	Metadata       map[string]any
	IdempotencyKey string
}

// SubmitJobResult is the outcome of one submission. Payload is the response
// body for the job: the winner's stored bytes on a replay, the freshly
// persisted projection otherwise.
type SubmitJobResult struct {
	Payload   []byte
	RateLimit ratelimit.Result
	// IsReplay is true when a prior submission with the same resolved key
	// already persisted a job and this call returned its stored response.
	IsReplay bool
}

// SubmitJob runs the intake pipeline: consult the idempotency store and
// replay on a hit; otherwise validate, rate-limit, optionally probe the
// file, create the aggregate, and in one transaction persist the job, its
// events and the idempotency record. Losing a race on either unique
// constraint converges on the winner's stored response.
func (s *JobService) SubmitJob(ctx context.Context, input SubmitJobInput) (*SubmitJobResult, error) {
	key := input.IdempotencyKey

	rec, err := s.store.Get(ctx, input.TenantID, key)
	if err != nil {
		return nil, apperror.NewInternal(err).WithDetail("component", "idempotency")
	}
	if rec != nil {
		return s.replayRecord(ctx, input.TenantID, rec)
	}

	params, err := s.validate(input)
	if err != nil {
		return nil, err
	}

	rl, err := s.limiter.Allow(ctx, input.TenantID, submitResource, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		return nil, apperror.NewInternal(err).WithDetail("component", "rate_limiter")
	}
	if !rl.Allowed {
		return nil, apperror.NewRateLimitExceeded(
			input.TenantID.String(), rl.Limit, int(rl.ResetAfter.Seconds()))
	}

	if err := s.checkFile(ctx, params.FileRef); err != nil {
		return nil, err
	}

	j, err := job.Create(params)
	if err != nil {
		return nil, err
	}
	j.EnrichEvents(appctx.GetUserID(ctx), appctx.GetTraceID(ctx))

	payload, err := marshalView(j)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	err = s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Save(ctx, j); err != nil {
			return err
		}
		if _, err := s.store.Put(ctx, input.TenantID, key, payload, s.cfg.IdempotencyTTL); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		// Another submitter won either unique constraint; the transaction
		// rolled back, so fall through to their durable result.
		if isDuplicateSubmission(err) {
			return s.replay(ctx, input.TenantID, key, rl)
		}
		return nil, err
	}

	logger.Info(ctx, "job submitted",
		"job_id", j.ID,
		"tenant_id", j.TenantID,
		"channel", j.Channel,
		"type", j.Type,
	)
	return &SubmitJobResult{Payload: payload, RateLimit: rl}, nil
}

// isDuplicateSubmission recognizes a lost race: the jobs table's unique
// constraint on (tenant_id, idempotency_key), or the idempotency store's
// same-key re-read coming back with a different payload (the winner's job).
func isDuplicateSubmission(err error) bool {
	var conflict *idempotency.ConflictError
	if errors.As(err, &conflict) {
		return true
	}
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr.Code == apperror.CodeDuplicate
	}
	return false
}

// replay serves the losing side of a duplicate submission from the winner's
// durable state: the idempotency record when it is visible, otherwise the
// persisted job row (the winner's record write may not have committed yet
// when the store lives outside the job database).
func (s *JobService) replay(ctx context.Context, tenantID tenant.TenantID, key string, rl ratelimit.Result) (*SubmitJobResult, error) {
	rec, err := s.store.Get(ctx, tenantID, key)
	if err != nil {
		return nil, apperror.NewInternal(err).WithDetail("component", "idempotency")
	}
	if rec != nil {
		result, err := s.replayRecord(ctx, tenantID, rec)
		if err != nil {
			return nil, err
		}
		result.RateLimit = rl
		return result, nil
	}

	winner, err := s.repo.FindByIdempotencyKey(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, apperror.NewInternal(nil).
			WithDetail("component", "submit_job").
			WithDetail("reason", "winner row missing after unique violation")
	}
	payload, err := marshalView(winner)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	logger.Info(ctx, "duplicate submission replayed",
		"job_id", winner.ID, "tenant_id", tenantID)
	return &SubmitJobResult{Payload: payload, RateLimit: rl, IsReplay: true}, nil
}

// replayRecord answers a submission from a live idempotency record without
// consuming a rate-limit token; the bucket state is only peeked for the
// response headers.
func (s *JobService) replayRecord(ctx context.Context, tenantID tenant.TenantID, rec *idempotency.Record) (*SubmitJobResult, error) {
	rl, err := s.limiter.Info(ctx, tenantID, submitResource, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		rl = ratelimit.Result{Limit: s.cfg.RateLimit, Remaining: s.cfg.RateLimit, ResetAfter: s.cfg.RateWindow}
	}
	logger.Info(ctx, "submission replayed from idempotency store",
		"tenant_id", tenantID, "idempotency_key", rec.Key)
	return &SubmitJobResult{Payload: rec.ResponsePayload, RateLimit: rl, IsReplay: true}, nil
}

func (s *JobService) validate(input SubmitJobInput) (job.CreateParams, error) {
	sellerID, err := job.ParseSellerID(input.SellerID)
	if err != nil {
		return job.CreateParams{}, err
	}
	channel, err := job.ParseChannel(input.Channel)
	if err != nil {
		return job.CreateParams{}, err
	}
	jobType, err := job.ParseType(input.Type)
	if err != nil {
		return job.CreateParams{}, err
	}
	fileRef, err := job.ParseFileReference(input.FileRef)
	if err != nil {
		return job.CreateParams{}, err
	}
	rulesProfile, err := job.ParseRulesProfileID(input.RulesProfileID)
	if err != nil {
		return job.CreateParams{}, err
	}

	metadata := input.Metadata
	if input.CallbackURL != "" {
		u, err := url.Parse(strings.TrimSpace(input.CallbackURL))
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return job.CreateParams{}, apperror.NewValidation("invalid callback url").
				WithDetail("field", "callback_url")
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["callback_url"] = u.String()
	}

	return job.CreateParams{
		TenantID:       input.TenantID,
		SellerID:       sellerID,
		Channel:        channel,
		Type:           jobType,
		FileRef:        fileRef,
		RulesProfileID: rulesProfile,
		IdempotencyKey: input.IdempotencyKey,
		Metadata:       metadata,
	}, nil
}

// checkFile consults the object store for existence and size when one is
// configured. Failures surface as business rule violations, not validation
// errors: the reference was well-formed, the file behind it is the problem.
func (s *JobService) checkFile(ctx context.Context, ref job.FileReference) error {
	if s.objects == nil {
		return nil
	}
	size, err := s.objects.Stat(ctx, ref)
	if err != nil {
		return apperror.NewBusinessRule(apperror.CodeBusinessRule, "input file is not accessible").
			WithCause(err)
	}
	if s.cfg.MaxFileBytes > 0 && size > s.cfg.MaxFileBytes {
		return apperror.NewBusinessRule(apperror.CodeBusinessRule, "input file too large").
			WithDetail("max_bytes", s.cfg.MaxFileBytes)
	}
	return nil
}
