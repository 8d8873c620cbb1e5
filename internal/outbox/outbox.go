// Package outbox implements the transactional outbox: domain events are
// persisted in the same transaction as the aggregate change that produced
// them, then drained asynchronously by a Dispatcher with at-least-once
// delivery to every subscriber.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/job"
)

// Entry is one durable outbox row. Ordering within a subject follows
// OccurredAt; a set DispatchedAt means the entry is finished, either
// delivered or dead-lettered (AttemptCount tells them apart).
type Entry struct {
	ID            id.ID           `db:"id"`
	TenantID      tenant.TenantID `db:"tenant_id"`
	EventType     string          `db:"event_type"`
	EventVersion  string          `db:"event_version"`
	CorrelationID string          `db:"correlation_id"`
	Payload       []byte          `db:"payload"`
	OccurredAt    time.Time       `db:"occurred_at"`
	AttemptCount  int             `db:"attempt_count"`
	LastError     *string         `db:"last_error"`
	DispatchedAt  *time.Time      `db:"dispatched_at"`
	NextVisibleAt time.Time       `db:"next_visible_at"`
}

// NewEntry wraps a domain event for outbox persistence. The payload is the
// full CloudEvents envelope so the event rehydrates without any other state.
func NewEntry(event job.Event, correlationID string) (Entry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Entry{
		ID:            id.New(),
		TenantID:      event.TenantID,
		EventType:     string(event.Type),
		EventVersion:  event.SchemaVersion,
		CorrelationID: correlationID,
		Payload:       payload,
		OccurredAt:    event.Time,
		NextVisibleAt: event.Time,
	}, nil
}

// Event rehydrates the stored CloudEvents envelope.
func (e Entry) Event() (job.Event, error) {
	var event job.Event
	if err := json.Unmarshal(e.Payload, &event); err != nil {
		return job.Event{}, fmt.Errorf("unmarshal outbox payload %s: %w", e.ID, err)
	}
	return event, nil
}

// Store is the persistence port for outbox entries.
type Store interface {
	// StoreEvents appends entries in the transaction open on ctx. The
	// caller (the job repository) controls commit.
	StoreEvents(ctx context.Context, events []job.Event, correlationID string) error

	// FetchBatch returns up to limit undelivered entries that are visible
	// now and still have retry budget, ordered by occurred_at, locked
	// against concurrent dispatcher replicas.
	FetchBatch(ctx context.Context, limit, maxAttempts int) ([]Entry, error)

	// MarkDispatched finishes an entry after successful delivery.
	MarkDispatched(ctx context.Context, entryID id.ID) error

	// MarkFailed records a delivery failure and schedules the next attempt.
	// When the attempt budget is exhausted the entry is finalized as
	// dead-lettered instead.
	MarkFailed(ctx context.Context, entryID id.ID, deliveryErr string, nextVisibleAt time.Time, maxAttempts int) error

	// DeadLetters returns entries that exhausted their retry budget.
	DeadLetters(ctx context.Context, tenantID tenant.TenantID, limit int) ([]Entry, error)

	// Purge removes dispatched entries older than the retention window and
	// returns how many were deleted.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Subscriber receives dispatched events. Delivery is at-least-once;
// implementations must tolerate duplicates.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, event job.Event) error
}
