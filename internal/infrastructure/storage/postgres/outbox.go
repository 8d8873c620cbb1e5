package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/job"
	"validahub-core/internal/outbox"
)

// OutboxStore is the Postgres implementation of outbox.Store over the
// event_outbox table. The write path runs inside the caller's transaction;
// the read path is used by the dispatcher worker and locks batches with
// FOR UPDATE SKIP LOCKED so replicas never double-deliver within one poll.
type OutboxStore struct {
	pool      *Pool
	txManager *TxManager
}

// NewOutboxStore creates a new Postgres outbox store.
func NewOutboxStore(pool *Pool, txManager *TxManager) *OutboxStore {
	return &OutboxStore{pool: pool, txManager: txManager}
}

// StoreEvents implements outbox.Store. MUST be called inside a transaction
// context: events only count as emitted if the aggregate change they belong
// to commits.
func (s *OutboxStore) StoreEvents(ctx context.Context, events []job.Event, correlationID string) error {
	if len(events) == 0 {
		return nil
	}
	tx := s.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("outbox store requires transaction context")
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		entry, err := outbox.NewEntry(event, correlationID)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO event_outbox
				(id, tenant_id, event_type, event_version, correlation_id,
				 payload, occurred_at, attempt_count, next_visible_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		`, entry.ID, string(entry.TenantID), entry.EventType, entry.EventVersion,
			nullIfEmpty(entry.CorrelationID), entry.Payload, entry.OccurredAt, entry.NextVisibleAt)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}
	return nil
}

// FetchBatch implements outbox.Store.
func (s *OutboxStore) FetchBatch(ctx context.Context, limit, maxAttempts int) ([]outbox.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, event_type, event_version, COALESCE(correlation_id, ''),
		       payload, occurred_at, attempt_count, last_error, dispatched_at, next_visible_at
		FROM event_outbox
		WHERE dispatched_at IS NULL
		  AND attempt_count < $1
		  AND next_visible_at <= NOW()
		ORDER BY occurred_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox batch: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// MarkDispatched implements outbox.Store.
func (s *OutboxStore) MarkDispatched(ctx context.Context, entryID id.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_outbox SET dispatched_at = NOW() WHERE id = $1
	`, entryID)
	if err != nil {
		return fmt.Errorf("mark outbox entry dispatched: %w", err)
	}
	return nil
}

// MarkFailed implements outbox.Store. Once the attempt budget is spent the
// entry gets dispatched_at set too, which suppresses further retries; the
// combination of dispatched_at, a recorded last_error and a full
// attempt_count is what DeadLetters selects on.
func (s *OutboxStore) MarkFailed(ctx context.Context, entryID id.ID, deliveryErr string, nextVisibleAt time.Time, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_outbox
		SET attempt_count = attempt_count + 1,
		    last_error = $1,
		    next_visible_at = $2,
		    dispatched_at = CASE WHEN attempt_count + 1 >= $3 THEN NOW() ELSE dispatched_at END
		WHERE id = $4
	`, deliveryErr, nextVisibleAt, maxAttempts, entryID)
	if err != nil {
		return fmt.Errorf("mark outbox entry failed: %w", err)
	}
	return nil
}

// DeadLetters implements outbox.Store.
func (s *OutboxStore) DeadLetters(ctx context.Context, tenantID tenant.TenantID, limit int) ([]outbox.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, event_type, event_version, COALESCE(correlation_id, ''),
		       payload, occurred_at, attempt_count, last_error, dispatched_at, next_visible_at
		FROM event_outbox
		WHERE tenant_id = $1
		  AND dispatched_at IS NOT NULL
		  AND last_error IS NOT NULL
		  AND attempt_count >= $2
		ORDER BY occurred_at
		LIMIT $3
	`, string(tenantID), 1, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Purge implements outbox.Store.
func (s *OutboxStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM event_outbox
		WHERE dispatched_at IS NOT NULL AND occurred_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]outbox.Entry, error) {
	var entries []outbox.Entry
	for rows.Next() {
		var entry outbox.Entry
		var tenantStr string
		if err := rows.Scan(
			&entry.ID, &tenantStr, &entry.EventType, &entry.EventVersion,
			&entry.CorrelationID, &entry.Payload, &entry.OccurredAt,
			&entry.AttemptCount, &entry.LastError, &entry.DispatchedAt,
			&entry.NextVisibleAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entry.TenantID = tenant.TenantID(tenantStr)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ outbox.Store = (*OutboxStore)(nil)
