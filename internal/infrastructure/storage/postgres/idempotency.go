package postgres

import (
	"context"
	"fmt"
	"time"

	"validahub-core/internal/core/tenant"
	"validahub-core/internal/idempotency"
)

// IdempotencyStore is the Postgres-backed implementation of
// idempotency.Store over the shared-schema, tenant-scoped table.
//
// Put is INSERT ... ON CONFLICT DO NOTHING followed by a re-read: the
// unique constraint on (tenant_id, idempotency_key) is the single source of
// truth for duplicate resolution. A losing writer always re-reads a fully
// formed row — records are only ever written after the protected operation
// completed, so there is no pending state to race against.
type IdempotencyStore struct {
	pool      *Pool
	txManager *TxManager
}

// NewIdempotencyStore creates a new Postgres idempotency store.
func NewIdempotencyStore(pool *Pool, txManager *TxManager) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, txManager: txManager}
}

func (s *IdempotencyStore) querier(ctx context.Context) Querier {
	return s.txManager.GetQuerier(ctx)
}

// Get implements idempotency.Store. Expired rows are lazily deleted and
// read as absent.
func (s *IdempotencyStore) Get(ctx context.Context, tenantID tenant.TenantID, key string) (*idempotency.Record, error) {
	rec, err := s.read(ctx, tenantID, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.IsExpired(time.Now()) {
		_, err := s.querier(ctx).Exec(ctx, `
			DELETE FROM idempotency_records
			WHERE tenant_id = $1 AND idempotency_key = $2 AND expires_at < $3
		`, string(tenantID), key, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("remove expired idempotency record: %w", err)
		}
		return nil, nil
	}
	return rec, nil
}

// Put implements idempotency.Store.
func (s *IdempotencyStore) Put(ctx context.Context, tenantID tenant.TenantID, key string, payload []byte, ttl time.Duration) (*idempotency.Record, error) {
	hash := idempotency.HashPayload(payload)

	// Two rounds at most: the second runs only when the first lost to an
	// expired row that had to be cleared first, or when the row vanished
	// between the insert and the re-read.
	for attempt := 0; attempt < 2; attempt++ {
		now := time.Now().UTC()
		tag, err := s.querier(ctx).Exec(ctx, `
			INSERT INTO idempotency_records
				(tenant_id, idempotency_key, response_hash, response_payload, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		`, string(tenantID), key, hash, payload, now, now.Add(ttl))
		if err != nil {
			return nil, fmt.Errorf("put idempotency record: %w", err)
		}

		existing, err := s.read(ctx, tenantID, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// Row vanished between insert and re-read (concurrent cleanup);
			// retry the insert.
			continue
		}

		if tag.RowsAffected() == 1 {
			return existing, nil
		}

		if existing.IsExpired(time.Now()) {
			_, err := s.querier(ctx).Exec(ctx, `
				DELETE FROM idempotency_records
				WHERE tenant_id = $1 AND idempotency_key = $2 AND expires_at < $3
			`, string(tenantID), key, time.Now().UTC())
			if err != nil {
				return nil, fmt.Errorf("reclaim expired idempotency record: %w", err)
			}
			continue
		}

		if !existing.MatchesHash(hash) {
			return nil, &idempotency.ConflictError{Key: key}
		}
		return existing, nil
	}
	return nil, fmt.Errorf("put idempotency record: insert lost twice for key %s", key)
}

// Delete implements idempotency.Store.
func (s *IdempotencyStore) Delete(ctx context.Context, tenantID tenant.TenantID, key string) (bool, error) {
	tag, err := s.querier(ctx).Exec(ctx, `
		DELETE FROM idempotency_records WHERE tenant_id = $1 AND idempotency_key = $2
	`, string(tenantID), key)
	if err != nil {
		return false, fmt.Errorf("delete idempotency record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CleanupExpired removes expired idempotency records. Run periodically by
// the worker alongside outbox maintenance.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *IdempotencyStore) read(ctx context.Context, tenantID tenant.TenantID, key string) (*idempotency.Record, error) {
	rows, err := s.querier(ctx).Query(ctx, `
		SELECT tenant_id, idempotency_key, response_hash, response_payload, created_at, expires_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, string(tenantID), key)
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var rec idempotency.Record
	var tenantStr string
	if err := rows.Scan(
		&tenantStr, &rec.Key, &rec.ResponseHash, &rec.ResponsePayload,
		&rec.CreatedAt, &rec.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}
	rec.TenantID = tenant.TenantID(tenantStr)
	return &rec, nil
}

var _ idempotency.Store = (*IdempotencyStore)(nil)
