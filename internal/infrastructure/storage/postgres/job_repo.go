package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/job"
	"validahub-core/internal/outbox"
)

const jobsTable = "jobs"

// uniqueViolation is the Postgres error code raised when the
// UNIQUE(tenant_id, idempotency_key) constraint rejects an insert.
const uniqueViolation = "23505"

// jobRow is the flat storage shape of the job aggregate. Value objects are
// exploded into scalar columns here and reassembled in toAggregate; the
// aggregate itself never leaks db tags for its validated types.
type jobRow struct {
	ID                id.ID      `db:"id"`
	TenantID          string     `db:"tenant_id"`
	SellerID          string     `db:"seller_id"`
	Channel           string     `db:"channel"`
	Type              string     `db:"type"`
	FileRef           string     `db:"file_ref"`
	RulesProfileID    string     `db:"rules_profile_id"`
	Status            string     `db:"status"`
	CountersTotal     int        `db:"counters_total"`
	CountersProcessed int        `db:"counters_processed"`
	CountersErrors    int        `db:"counters_errors"`
	CountersWarnings  int        `db:"counters_warnings"`
	IdempotencyKey    *string    `db:"idempotency_key"`
	Metadata          []byte     `db:"metadata"`
	RetryOf           *id.ID     `db:"retry_of"`
	RetryDepth        int        `db:"retry_depth"`
	LastError         *string    `db:"last_error"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	Version           int        `db:"version"`
}

var jobColumns = ExtractDBColumns[jobRow]()

func toRow(j *job.Job) (jobRow, error) {
	row := jobRow{
		ID:                j.ID,
		TenantID:          j.TenantID.String(),
		SellerID:          j.SellerID.String(),
		Channel:           j.Channel.String(),
		Type:              string(j.Type),
		FileRef:           j.FileRef.String(),
		RulesProfileID:    j.RulesProfileID.String(),
		Status:            string(j.Status),
		CountersTotal:     j.Counters.Total,
		CountersProcessed: j.Counters.Processed,
		CountersErrors:    j.Counters.Errors,
		CountersWarnings:  j.Counters.Warnings,
		RetryOf:           j.RetryOf,
		RetryDepth:        j.RetryDepth,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		CompletedAt:       j.CompletedAt,
		Version:           j.Version,
	}
	if j.IdempotencyKey != "" {
		key := j.IdempotencyKey
		row.IdempotencyKey = &key
	}
	if j.LastError != "" {
		lastErr := j.LastError
		row.LastError = &lastErr
	}
	if len(j.Metadata) > 0 {
		metadata, err := json.Marshal(j.Metadata)
		if err != nil {
			return jobRow{}, fmt.Errorf("marshal job metadata: %w", err)
		}
		row.Metadata = metadata
	}
	return row, nil
}

func toAggregate(row jobRow) (*job.Job, error) {
	fileRef, err := job.ParseFileReference(row.FileRef)
	if err != nil {
		return nil, fmt.Errorf("stored file_ref for job %s no longer parses: %w", row.ID, err)
	}

	j := &job.Job{
		ID:             row.ID,
		TenantID:       tenant.TenantID(row.TenantID),
		SellerID:       job.SellerID(row.SellerID),
		Channel:        job.Channel(row.Channel),
		Type:           job.Type(row.Type),
		FileRef:        fileRef,
		RulesProfileID: job.RulesProfileID(row.RulesProfileID),
		Status:         job.Status(row.Status),
		Counters: job.Counters{
			Total:     row.CountersTotal,
			Processed: row.CountersProcessed,
			Errors:    row.CountersErrors,
			Warnings:  row.CountersWarnings,
		},
		RetryOf:     row.RetryOf,
		RetryDepth:  row.RetryDepth,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CompletedAt: row.CompletedAt,
		Version:     row.Version,
	}
	if row.IdempotencyKey != nil {
		j.IdempotencyKey = *row.IdempotencyKey
	}
	if row.LastError != nil {
		j.LastError = *row.LastError
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	return j, nil
}

// JobRepo is the Postgres implementation of job.Repository. Every predicate
// includes tenant_id; optimistic concurrency rides on the version column.
type JobRepo struct {
	txManager *TxManager
	outbox    *OutboxStore
}

// NewJobRepo creates a new job repository. The outbox store shares the same
// TxManager so Save can co-persist events in one transaction.
func NewJobRepo(txManager *TxManager, outboxStore *OutboxStore) *JobRepo {
	return &JobRepo{txManager: txManager, outbox: outboxStore}
}

func (r *JobRepo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Save implements job.Repository. Runs in the caller's transaction if one is
// open on ctx, otherwise opens its own; either way the job row and its
// pending events commit or roll back together.
func (r *JobRepo) Save(ctx context.Context, j *job.Job) error {
	return r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if j.Version == 1 {
			if err := r.insert(ctx, j); err != nil {
				return err
			}
		} else {
			if err := r.update(ctx, j); err != nil {
				return err
			}
		}

		events := j.PullEvents()
		correlationID := ""
		if len(events) > 0 {
			correlationID = events[0].TraceID
		}
		return r.outbox.StoreEvents(ctx, events, correlationID)
	})
}

func (r *JobRepo) insert(ctx context.Context, j *job.Job) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	data := StructToMap(row)

	q := r.builder().Insert(jobsTable).SetMap(data)
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build job insert: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperror.NewDuplicate("job", "idempotency_key", j.IdempotencyKey)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepo) update(ctx context.Context, j *job.Job) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	data := StructToMap(row)

	// Immutable columns never travel on update; version is checked below.
	for _, col := range []string{"id", "tenant_id", "created_at", "version", "idempotency_key", "file_ref", "retry_of"} {
		delete(data, col)
	}

	q := r.builder().
		Update(jobsTable).
		SetMap(data).
		Set("version", j.Version).
		Where(squirrel.Eq{"id": j.ID}).
		Where(squirrel.Eq{"tenant_id": j.TenantID.String()}).
		Where(squirrel.Eq{"version": j.Version - 1})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build job update: %w", err)
	}

	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("job", j.ID.String())
	}
	return nil
}

// FindByID implements job.Repository.
func (r *JobRepo) FindByID(ctx context.Context, tenantID tenant.TenantID, jobID id.ID) (*job.Job, error) {
	return r.findOne(ctx, tenantID, squirrel.Eq{"id": jobID})
}

// FindByIdempotencyKey implements job.Repository.
func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, tenantID tenant.TenantID, key string) (*job.Job, error) {
	return r.findOne(ctx, tenantID, squirrel.Eq{"idempotency_key": key})
}

func (r *JobRepo) findOne(ctx context.Context, tenantID tenant.TenantID, pred squirrel.Eq) (*job.Job, error) {
	q := r.builder().
		Select(jobColumns...).
		From(jobsTable).
		Where(squirrel.Eq{"tenant_id": tenantID.String()}).
		Where(pred)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job select: %w", err)
	}

	var row jobRow
	err = pgxscan.Get(ctx, r.querier(ctx), &row, sql, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select job: %w", err)
	}

	if err := r.checkTenant(tenantID, row); err != nil {
		return nil, err
	}
	return toAggregate(row)
}

// FindByTenant implements job.Repository.
func (r *JobRepo) FindByTenant(ctx context.Context, tenantID tenant.TenantID, filter job.ListFilter, limit, offset int) ([]*job.Job, error) {
	q := r.builder().
		Select(jobColumns...).
		From(jobsTable).
		Where(squirrel.Eq{"tenant_id": tenantID.String()}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	q = applyFilter(q, filter)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job list: %w", err)
	}

	var rows []jobRow
	if err := pgxscan.Select(ctx, r.querier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(rows))
	for _, row := range rows {
		if err := r.checkTenant(tenantID, row); err != nil {
			return nil, err
		}
		j, err := toAggregate(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountByTenant implements job.Repository.
func (r *JobRepo) CountByTenant(ctx context.Context, tenantID tenant.TenantID, filter job.ListFilter) (int64, error) {
	q := r.builder().
		Select("COUNT(*)").
		From(jobsTable).
		Where(squirrel.Eq{"tenant_id": tenantID.String()})
	q = applyFilter(q, filter)

	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build job count: %w", err)
	}

	var count int64
	if err := r.querier(ctx).QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

func applyFilter(q squirrel.SelectBuilder, filter job.ListFilter) squirrel.SelectBuilder {
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.Channel != "" {
		q = q.Where(squirrel.Eq{"channel": string(filter.Channel)})
	}
	if filter.Type != "" {
		q = q.Where(squirrel.Eq{"type": string(filter.Type)})
	}
	return q
}

// checkTenant is the defense-in-depth isolation check above the tenant_id
// predicate every query already carries.
func (r *JobRepo) checkTenant(tenantID tenant.TenantID, row jobRow) error {
	if row.TenantID != tenantID.String() {
		return apperror.NewTenantIsolation("job", row.ID.String())
	}
	return nil
}

func (r *JobRepo) querier(ctx context.Context) Querier {
	return r.txManager.GetQuerier(ctx)
}

var _ job.Repository = (*JobRepo)(nil)
