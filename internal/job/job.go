package job

import (
	"time"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
)

// DefaultMaxRetryDepth bounds how many times a failed job may be resubmitted
// through Retry before the chain is cut off.
const DefaultMaxRetryDepth = 3

// Job is the aggregate root for one seller submission. All mutation goes
// through the transition methods below; every successful transition bumps
// Version and appends the matching event to pendingEvents.
type Job struct {
	ID             id.ID           `db:"id" json:"id"`
	TenantID       tenant.TenantID `db:"tenant_id" json:"tenant_id"`
	SellerID       SellerID        `db:"seller_id" json:"seller_id"`
	Channel        Channel         `db:"channel" json:"channel"`
	Type           Type            `db:"type" json:"type"`
	FileRef        FileReference   `db:"-" json:"file_ref"`
	RulesProfileID RulesProfileID  `db:"rules_profile_id" json:"rules_profile_id"`
	Status         Status          `db:"status" json:"status"`
	Counters       Counters        `db:"-" json:"counters"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Metadata       map[string]any  `db:"-" json:"metadata,omitempty"`
	RetryOf        *id.ID          `db:"retry_of" json:"retry_of,omitempty"`
	RetryDepth     int             `db:"retry_depth" json:"retry_depth"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Version        int             `db:"version" json:"version"`

	pendingEvents []Event
}

// CreateParams carries the validated value objects Create needs.
type CreateParams struct {
	TenantID       tenant.TenantID
	SellerID       SellerID
	Channel        Channel
	Type           Type
	FileRef        FileReference
	RulesProfileID RulesProfileID
	IdempotencyKey string
	Metadata       map[string]any
}

// Create builds a new queued job and records its job.submitted event.
func Create(p CreateParams) (*Job, error) {
	if p.TenantID == "" {
		return nil, apperror.NewValidation("tenant is required")
	}
	if p.SellerID == "" {
		return nil, apperror.NewValidation("seller id is required").WithDetail("field", "seller_id")
	}
	if p.Channel == "" {
		return nil, apperror.NewValidation("channel is required").WithDetail("field", "channel")
	}
	if p.Type == "" {
		return nil, apperror.NewValidation("job type is required").WithDetail("field", "type")
	}
	if p.FileRef.IsZero() {
		return nil, apperror.NewValidation("file reference is required").WithDetail("field", "file_ref")
	}
	if p.RulesProfileID == "" {
		return nil, apperror.NewValidation("rules profile is required").WithDetail("field", "rules_profile_id")
	}

	now := time.Now().UTC()
	j := &Job{
		ID:             id.NewV4(),
		TenantID:       p.TenantID,
		SellerID:       p.SellerID,
		Channel:        p.Channel,
		Type:           p.Type,
		FileRef:        p.FileRef,
		RulesProfileID: p.RulesProfileID,
		Status:         StatusQueued,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       p.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	j.appendEvent(EventSubmitted, map[string]any{
		"seller_id":        j.SellerID.String(),
		"channel":          j.Channel.String(),
		"type":             string(j.Type),
		"rules_profile_id": j.RulesProfileID.String(),
	})
	return j, nil
}

// Start moves a queued job into running.
func (j *Job) Start() error {
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	j.appendEvent(EventStarted, nil)
	return nil
}

// Succeed completes a running job with its final counters.
func (j *Job) Succeed(counters Counters) error {
	if err := counters.Validate(); err != nil {
		return err
	}
	if err := j.transition(StatusSucceeded); err != nil {
		return err
	}
	j.Counters = counters
	j.setCompleted()
	j.appendEvent(EventSucceeded, map[string]any{"counters": counters})
	return nil
}

// Fail marks a running job as failed with an operator-facing reason.
func (j *Job) Fail(reason string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.LastError = reason
	j.setCompleted()
	j.appendEvent(EventFailed, map[string]any{"reason": reason})
	return nil
}

// Cancel aborts a queued or running job.
func (j *Job) Cancel(reason string) error {
	if err := j.transition(StatusCancelled); err != nil {
		return err
	}
	j.setCompleted()
	j.appendEvent(EventCancelled, map[string]any{"reason": reason})
	return nil
}

// Expire times out a queued job that was never picked up.
func (j *Job) Expire() error {
	if err := j.transition(StatusExpired); err != nil {
		return err
	}
	j.setCompleted()
	j.appendEvent(EventExpired, nil)
	return nil
}

// Retry does not mutate the failed job; it returns a fresh queued job with
// the same submission parameters, linked back through RetryOf, carrying its
// own job.retried event. maxDepth <= 0 means DefaultMaxRetryDepth.
func (j *Job) Retry(idempotencyKey string, maxDepth int) (*Job, error) {
	if j.Status != StatusFailed {
		return nil, apperror.NewInvalidStateTransition(string(j.Status), string(StatusRetrying), "retry")
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRetryDepth
	}
	if j.RetryDepth+1 > maxDepth {
		return nil, apperror.NewBusinessRule(apperror.CodeBusinessRule, "retry limit exceeded").
			WithDetail("max_retries", maxDepth)
	}

	now := time.Now().UTC()
	origin := j.ID
	retry := &Job{
		ID:             id.NewV4(),
		TenantID:       j.TenantID,
		SellerID:       j.SellerID,
		Channel:        j.Channel,
		Type:           j.Type,
		FileRef:        j.FileRef,
		RulesProfileID: j.RulesProfileID,
		Status:         StatusQueued,
		IdempotencyKey: idempotencyKey,
		Metadata:       j.Metadata,
		RetryOf:        &origin,
		RetryDepth:     j.RetryDepth + 1,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	retry.appendEvent(EventRetried, map[string]any{
		"retry_of":    origin.String(),
		"retry_depth": retry.RetryDepth,
	})
	return retry, nil
}

// transition validates and applies a status change. On rejection the job is
// left untouched.
func (j *Job) transition(target Status) error {
	if !j.Status.CanTransitionTo(target) {
		return apperror.NewInvalidStateTransition(string(j.Status), string(target), "transition")
	}
	j.Status = target
	j.UpdatedAt = time.Now().UTC()
	j.Version++
	return nil
}

func (j *Job) setCompleted() {
	t := j.UpdatedAt
	j.CompletedAt = &t
}

func (j *Job) appendEvent(eventType EventType, data map[string]any) {
	j.pendingEvents = append(j.pendingEvents, newEvent(j, eventType, data))
}

// PendingEvents returns the events recorded since the last PullEvents.
func (j *Job) PendingEvents() []Event {
	return j.pendingEvents
}

// PullEvents hands ownership of the recorded events to the caller (the
// repository, at save time) and clears the buffer.
func (j *Job) PullEvents() []Event {
	events := j.pendingEvents
	j.pendingEvents = nil
	return events
}

// EnrichEvents stamps actor and trace onto every pending event. Called by
// the use case before save; the aggregate itself knows nothing about the
// request that drove it.
func (j *Job) EnrichEvents(actorID, traceID string) {
	for i := range j.pendingEvents {
		if actorID != "" {
			j.pendingEvents[i].ActorID = actorID
		}
		if traceID != "" {
			j.pendingEvents[i].TraceID = traceID
		}
	}
}
