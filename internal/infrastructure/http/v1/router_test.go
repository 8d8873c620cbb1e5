package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/domain/auth"
	"validahub-core/internal/idempotency"
	"validahub-core/internal/job"
	"validahub-core/internal/ratelimit"
	"validahub-core/internal/usecase"
	"validahub-core/pkg/logger"
)

const jwtSecret = "test-secret"

// memoryRepo is a minimal in-memory job.Repository for router tests,
// enforcing (tenant, idempotency_key) uniqueness like the database schema.
type memoryRepo struct {
	mu   sync.Mutex
	jobs map[id.ID]*job.Job
}

func newMemoryRepo() *memoryRepo { return &memoryRepo{jobs: make(map[id.ID]*job.Job)} }

func (r *memoryRepo) Save(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.IdempotencyKey != "" {
		for _, existing := range r.jobs {
			if existing.TenantID == j.TenantID && existing.IdempotencyKey == j.IdempotencyKey && existing.ID != j.ID {
				return apperror.NewDuplicate("job", "idempotency_key", j.IdempotencyKey)
			}
		}
	}
	stored := *j
	r.jobs[j.ID] = &stored
	j.PullEvents()
	return nil
}

func (r *memoryRepo) FindByID(_ context.Context, tenantID tenant.TenantID, jobID id.ID) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, nil
	}
	found := *j
	return &found, nil
}

func (r *memoryRepo) FindByIdempotencyKey(_ context.Context, tenantID tenant.TenantID, key string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.TenantID == tenantID && j.IdempotencyKey == key {
			found := *j
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memoryRepo) FindByTenant(_ context.Context, tenantID tenant.TenantID, _ job.ListFilter, _, _ int) ([]*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*job.Job
	for _, j := range r.jobs {
		if j.TenantID == tenantID {
			found := *j
			out = append(out, &found)
		}
	}
	return out, nil
}

func (r *memoryRepo) CountByTenant(ctx context.Context, tenantID tenant.TenantID, filter job.ListFilter) (int64, error) {
	jobs, _ := r.FindByTenant(ctx, tenantID, filter, 100, 0)
	return int64(len(jobs)), nil
}

// passthroughTxm runs the function directly; the in-memory fakes commit
// their writes atomically under their own mutexes.
type passthroughTxm struct{}

func (passthroughTxm) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type testEnv struct {
	router http.Handler
	repo   *memoryRepo
	jwt    *auth.JWTService
}

func newTestEnv(t *testing.T, mode idempotency.CompatMode) *testEnv {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Development: true})
	require.NoError(t, err)

	repo := newMemoryRepo()
	service := usecase.NewJobService(repo, idempotency.NewInMemoryStore(),
		ratelimit.NewInProcessLimiter(), passthroughTxm{}, nil, usecase.Config{
			RateLimit:  1000,
			RateWindow: time.Minute,
		})
	jwtService := auth.NewJWTService(auth.JWTConfig{Secret: jwtSecret, Issuer: "validahub-core"})

	router := NewRouter(RouterConfig{
		Logger:       log,
		JWTValidator: jwtService,
		JobService:   service,
		CompatMode:   mode,
	})
	return &testEnv{router: router, repo: repo, jwt: jwtService}
}

func (e *testEnv) token(t *testing.T, tenantID string) string {
	t.Helper()
	token, _, err := e.jwt.GenerateAccessToken("user-1", tenantID, nil, nil, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) submit(t *testing.T, tenantID, idempotencyKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+e.token(t, tenantID))
	req.Header.Set("X-Tenant-Id", tenantID)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"channel":"meli","type":"validation","seller_id":"seller-001",` +
	`"file_ref":"s3://bucket/inbox/products.csv","rules_profile_id":"meli@1.2.3"}`

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSubmit_NewJob(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	rec := env.submit(t, "t_acme", "", validBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	data := body["data"].(map[string]any)
	meta := body["meta"].(map[string]any)
	assert.NotEmpty(t, data["job_id"])
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, false, meta["is_replay"])
	assert.Len(t, env.repo.jobs, 1)
}

func TestSubmit_ExactReplay(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	first := env.submit(t, "t_acme", "abcdef1234567890", validBody)
	require.Equal(t, http.StatusCreated, first.Code)
	firstBody := decode(t, first)

	second := env.submit(t, "t_acme", "abcdef1234567890", validBody)
	require.Equal(t, http.StatusCreated, second.Code)
	secondBody := decode(t, second)

	assert.Equal(t, firstBody["data"], secondBody["data"], "the stored payload replays unchanged")
	assert.Equal(t, false, firstBody["meta"].(map[string]any)["is_replay"])
	assert.Equal(t, true, secondBody["meta"].(map[string]any)["is_replay"])
	assert.Len(t, env.repo.jobs, 1, "only one jobs row after replay")
}

func TestSubmit_SameKeyDifferentBodyReplaysFirstResponse(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	first := env.submit(t, "t_acme", "abcdef1234567890", validBody)
	require.Equal(t, http.StatusCreated, first.Code)

	// A live record for the key answers the request before the new body is
	// even validated; the first response replays.
	otherBody := strings.Replace(validBody, "seller-001", "seller-002", 1)
	second := env.submit(t, "t_acme", "abcdef1234567890", otherBody)
	require.Equal(t, http.StatusCreated, second.Code)

	secondBody := decode(t, second)
	assert.Equal(t, true, secondBody["meta"].(map[string]any)["is_replay"])
	assert.Equal(t, "seller-001", secondBody["data"].(map[string]any)["seller_id"])
	assert.Len(t, env.repo.jobs, 1)
}

func TestSubmit_ConcurrentDuplicateRace(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	const submitters = 5
	token := env.token(t, "t_acme")
	var wg sync.WaitGroup
	recs := make(chan *httptest.ResponseRecorder, submitters)

	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(validBody))
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("X-Tenant-Id", "t_acme")
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", "abcdef1234567890")
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			recs <- rec
		}()
	}
	wg.Wait()
	close(recs)

	var jobIDs []string
	fresh := 0
	for rec := range recs {
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		body := decode(t, rec)
		jobIDs = append(jobIDs, body["data"].(map[string]any)["job_id"].(string))
		if body["meta"].(map[string]any)["is_replay"] == false {
			fresh++
		}
	}

	require.Len(t, jobIDs, submitters)
	for _, jobID := range jobIDs {
		assert.Equal(t, jobIDs[0], jobID, "all submitters see the same job_id")
	}
	assert.Equal(t, 1, fresh, "exactly one response has is_replay=false")
	assert.Len(t, env.repo.jobs, 1, "exactly one jobs row")
}

func TestSubmit_FormulaInjectionCanonicalized(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	rec := env.submit(t, "t_acme", "=SUM(A1:A10)", validBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	meta := decode(t, rec)["meta"].(map[string]any)
	key := meta["idempotency_key"].(string)
	assert.GreaterOrEqual(t, len(key), 16)
	assert.LessOrEqual(t, len(key), 24)
	assert.NotEqual(t, byte('='), key[0])
	assert.NotContains(t, rec.Body.String(), "=SUM")
}

func TestSubmit_FormulaInjectionRejectMode(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatReject)

	rec := env.submit(t, "t_acme", "=SUM(A1:A10)", validBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "=SUM")
	assert.Empty(t, env.repo.jobs)
}

func TestSubmit_CrossTenantKeysDoNotCollide(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	recA := env.submit(t, "t_acme", "order.123", validBody)
	require.Equal(t, http.StatusCreated, recA.Code)
	recB := env.submit(t, "t_globex", "order.123", validBody)
	require.Equal(t, http.StatusCreated, recB.Code)

	idA := decode(t, recA)["data"].(map[string]any)["job_id"]
	idB := decode(t, recB)["data"].(map[string]any)["job_id"]
	assert.NotEqual(t, idA, idB)
	assert.Len(t, env.repo.jobs, 2)

	// each tenant replays its own job, never the other's
	replayA := env.submit(t, "t_acme", "order.123", validBody)
	require.Equal(t, http.StatusCreated, replayA.Code)
	replayABody := decode(t, replayA)
	assert.Equal(t, true, replayABody["meta"].(map[string]any)["is_replay"])
	assert.Equal(t, idA, replayABody["data"].(map[string]any)["job_id"])
}

func TestSubmit_AuthRequired(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(validBody))
	req.Header.Set("X-Tenant-Id", "t_acme")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmit_TenantHeaderMismatchForbidden(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(validBody))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "t_globex"))
	req.Header.Set("X-Tenant-Id", "t_acme")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetJob_Endpoint(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	created := env.submit(t, "t_acme", "", validBody)
	require.Equal(t, http.StatusCreated, created.Code)
	jobID := decode(t, created)["data"].(map[string]any)["job_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "t_acme"))
	req.Header.Set("X-Tenant-Id", "t_acme")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobID, decode(t, rec)["data"].(map[string]any)["job_id"])

	// unknown id within tenant
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id.NewV4().String(), nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "t_acme"))
	req.Header.Set("X-Tenant-Id", "t_acme")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// another tenant cannot see the job
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "t_globex"))
	req.Header.Set("X-Tenant-Id", "t_globex")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs_Endpoint(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)
	require.Equal(t, http.StatusCreated, env.submit(t, "t_acme", "", validBody).Code)
	require.Equal(t, http.StatusCreated, env.submit(t, "t_acme", "", validBody).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=1", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "t_acme"))
	req.Header.Set("X-Tenant-Id", "t_acme")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(2), meta["total"])
	assert.Equal(t, float64(1), meta["limit"])
}

func TestRetry_Endpoint(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	created := env.submit(t, "t_acme", "", validBody)
	require.Equal(t, http.StatusCreated, created.Code)
	jobID := decode(t, created)["data"].(map[string]any)["job_id"].(string)

	// retry on a queued job is a state conflict
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/retry", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "t_acme"))
	req.Header.Set("X-Tenant-Id", "t_acme")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// fail the stored job, then retry succeeds
	env.repo.mu.Lock()
	for _, j := range env.repo.jobs {
		require.NoError(t, j.Start())
		require.NoError(t, j.Fail("boom"))
	}
	env.repo.mu.Unlock()

	req = httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/retry", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "t_acme"))
	req.Header.Set("X-Tenant-Id", "t_acme")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	newID := decode(t, rec)["data"].(map[string]any)["job_id"].(string)
	assert.NotEqual(t, jobID, newID)
}

func TestErrorEnvelope(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	rec := env.submit(t, "t_acme", "", `{"channel":"meli"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, apperror.CodeValidation, body["code"])
	assert.NotEmpty(t, body["message"])
	assert.NotEmpty(t, body["request_id"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, idempotency.CompatCanonicalize)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

var _ job.Repository = (*memoryRepo)(nil)
