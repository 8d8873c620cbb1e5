package postgres

import (
	"context"
	"fmt"
)

// baseMigrations is the schema for the intake core, applied in order. Each
// statement is idempotent so repeated startup application is safe.
var baseMigrations = [...]string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		file_ref TEXT NOT NULL,
		rules_profile_id TEXT NOT NULL,
		status TEXT NOT NULL,
		counters_total INTEGER NOT NULL DEFAULT 0,
		counters_processed INTEGER NOT NULL DEFAULT 0,
		counters_errors INTEGER NOT NULL DEFAULT 0,
		counters_warnings INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT,
		metadata JSONB,
		retry_of UUID,
		retry_depth INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		version INTEGER NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_tenant_idempotency_key
		ON jobs (tenant_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created
		ON jobs (tenant_id, created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		tenant_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		response_hash TEXT NOT NULL,
		response_payload BYTEA,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, idempotency_key)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_records (expires_at);`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_version TEXT NOT NULL,
		correlation_id TEXT,
		payload JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		dispatched_at TIMESTAMPTZ,
		next_visible_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_dispatch
		ON event_outbox (dispatched_at, occurred_at);`,
	`CREATE TABLE IF NOT EXISTS security_audit (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		code TEXT NOT NULL,
		user_id TEXT,
		request_id TEXT,
		details JSONB,
		details_compressed BYTEA,
		compression_algo TEXT NOT NULL DEFAULT 'none',
		created_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_security_audit_tenant_created
		ON security_audit (tenant_id, created_at DESC);`,
}

// ApplyMigrations creates the schema. Intended for development and tests;
// production deployments run the same statements through their migration
// tooling.
func ApplyMigrations(ctx context.Context, pool *Pool) error {
	for _, stmt := range baseMigrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
