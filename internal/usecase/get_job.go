package usecase

import (
	"context"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/job"
)

// GetJob reads one job within the caller's tenant.
func (s *JobService) GetJob(ctx context.Context, tenantID tenant.TenantID, rawJobID string) (*job.Job, error) {
	jobID, err := id.Parse(rawJobID)
	if err != nil {
		return nil, apperror.NewValidation("invalid job id").WithDetail("field", "job_id")
	}

	j, err := s.repo.FindByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, apperror.NewNotFound("job", rawJobID)
	}
	return j, nil
}

// ListJobsResult is one page of a tenant's jobs plus the unpaged total.
type ListJobsResult struct {
	Jobs  []*job.Job
	Total int64
}

// ListJobs pages through a tenant's jobs, newest first. limit is clamped to
// [1, 100] with a default of 20; a negative offset becomes 0.
func (s *JobService) ListJobs(ctx context.Context, tenantID tenant.TenantID, filter job.ListFilter, limit, offset int) (*ListJobsResult, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, apperror.NewValidation("unknown status filter").WithDetail("field", "status")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.repo.FindByTenant(ctx, tenantID, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountByTenant(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	return &ListJobsResult{Jobs: jobs, Total: total}, nil
}
