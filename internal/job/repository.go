package job

import (
	"context"

	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
)

// ListFilter narrows FindByTenant results. Zero values mean "any".
type ListFilter struct {
	Status  Status
	Channel Channel
	Type    Type
}

// Repository is the persistence port for the job aggregate. Every read
// predicate includes the tenant; implementations must never return a row
// belonging to another tenant.
type Repository interface {
	// Save persists the aggregate and, in the same transaction, appends its
	// pending events to the outbox. New aggregates (Version == 1) are
	// inserted; existing ones are updated with an optimistic version check.
	Save(ctx context.Context, j *Job) error

	FindByID(ctx context.Context, tenantID tenant.TenantID, jobID id.ID) (*Job, error)

	// FindByIdempotencyKey is the secondary lookup used when a concurrent
	// submitter won the unique-constraint race on (tenant, idempotency_key).
	FindByIdempotencyKey(ctx context.Context, tenantID tenant.TenantID, key string) (*Job, error)

	FindByTenant(ctx context.Context, tenantID tenant.TenantID, filter ListFilter, limit, offset int) ([]*Job, error)

	CountByTenant(ctx context.Context, tenantID tenant.TenantID, filter ListFilter) (int64, error)
}
