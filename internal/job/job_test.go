package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/tenant"
)

func mustCreate(t *testing.T) *Job {
	t.Helper()
	fileRef, err := ParseFileReference("s3://bucket/inbox/products.csv")
	require.NoError(t, err)

	j, err := Create(CreateParams{
		TenantID:       tenant.MustParse("t_acme"),
		SellerID:       "seller-001",
		Channel:        "meli",
		Type:           TypeValidation,
		FileRef:        fileRef,
		RulesProfileID: "meli@1.2.3",
		IdempotencyKey: "abcdef1234567890",
	})
	require.NoError(t, err)
	return j
}

func TestCreate(t *testing.T) {
	j := mustCreate(t)

	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 1, j.Version)
	assert.NotEqual(t, j.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, j.CreatedAt, j.UpdatedAt)
	assert.Nil(t, j.CompletedAt)

	events := j.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventSubmitted, events[0].Type)
	assert.Equal(t, "job:"+j.ID.String(), events[0].Subject)
	assert.Equal(t, "1.0", events[0].SpecVersion)
	assert.Equal(t, j.TenantID, events[0].TenantID)
}

func TestCreate_MissingFieldsRejected(t *testing.T) {
	fileRef, err := ParseFileReference("s3://bucket/a.csv")
	require.NoError(t, err)

	base := CreateParams{
		TenantID:       tenant.MustParse("t_acme"),
		SellerID:       "seller-001",
		Channel:        "meli",
		Type:           TypeValidation,
		FileRef:        fileRef,
		RulesProfileID: "meli@1.2.3",
	}

	for name, mutate := range map[string]func(*CreateParams){
		"tenant":        func(p *CreateParams) { p.TenantID = "" },
		"seller":        func(p *CreateParams) { p.SellerID = "" },
		"channel":       func(p *CreateParams) { p.Channel = "" },
		"type":          func(p *CreateParams) { p.Type = "" },
		"file_ref":      func(p *CreateParams) { p.FileRef = FileReference{} },
		"rules_profile": func(p *CreateParams) { p.RulesProfileID = "" },
	} {
		t.Run(name, func(t *testing.T) {
			params := base
			mutate(&params)
			_, err := Create(params)
			assert.Error(t, err)
		})
	}
}

func TestTransitions_HappyPath(t *testing.T) {
	j := mustCreate(t)

	require.NoError(t, j.Start())
	assert.Equal(t, StatusRunning, j.Status)
	assert.Equal(t, 2, j.Version)

	counters := Counters{Total: 10, Processed: 10, Errors: 1, Warnings: 2}
	require.NoError(t, j.Succeed(counters))
	assert.Equal(t, StatusSucceeded, j.Status)
	assert.Equal(t, 3, j.Version)
	assert.Equal(t, counters, j.Counters)
	require.NotNil(t, j.CompletedAt)

	events := j.PendingEvents()
	require.Len(t, events, 3)
	assert.Equal(t, EventSubmitted, events[0].Type)
	assert.Equal(t, EventStarted, events[1].Type)
	assert.Equal(t, EventSucceeded, events[2].Type)
}

func TestTransitions_IllegalLeaveStateUnchanged(t *testing.T) {
	j := mustCreate(t)

	// queued job cannot succeed or fail directly
	err := j.Succeed(Counters{})
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeInvalidStateTransition, appErr.Code)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 1, j.Version)
	assert.Len(t, j.PendingEvents(), 1)

	require.Error(t, j.Fail("boom"))
	assert.Equal(t, StatusQueued, j.Status)
}

func TestTransitions_TerminalStatesAreSinks(t *testing.T) {
	j := mustCreate(t)
	require.NoError(t, j.Cancel("operator"))
	assert.Equal(t, StatusCancelled, j.Status)

	assert.Error(t, j.Start())
	assert.Error(t, j.Cancel("again"))
	assert.Error(t, j.Expire())
	assert.Equal(t, StatusCancelled, j.Status)
}

func TestTransitions_Expire(t *testing.T) {
	j := mustCreate(t)
	require.NoError(t, j.Expire())
	assert.Equal(t, StatusExpired, j.Status)
	require.NotNil(t, j.CompletedAt)

	running := mustCreate(t)
	require.NoError(t, running.Start())
	assert.Error(t, running.Expire(), "running jobs do not expire")
}

func TestFail_RecordsReasonAndCompletedAt(t *testing.T) {
	j := mustCreate(t)
	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("schema mismatch"))

	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "schema mismatch", j.LastError)
	require.NotNil(t, j.CompletedAt)
}

func TestRetry(t *testing.T) {
	j := mustCreate(t)
	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("boom"))
	originalVersion := j.Version

	retry, err := j.Retry("retrykey123456789012", 3)
	require.NoError(t, err)

	assert.NotEqual(t, j.ID, retry.ID)
	assert.Equal(t, StatusQueued, retry.Status)
	assert.Equal(t, 1, retry.Version)
	assert.Equal(t, j.SellerID, retry.SellerID)
	assert.Equal(t, j.FileRef, retry.FileRef)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, j.ID, *retry.RetryOf)
	assert.Equal(t, 1, retry.RetryDepth)

	// the original is untouched
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, originalVersion, j.Version)

	events := retry.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventRetried, events[0].Type)
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	j := mustCreate(t)
	_, err := j.Retry("retrykey123456789012", 3)
	require.Error(t, err)
	appErr, _ := apperror.AsAppError(err)
	assert.Equal(t, apperror.CodeInvalidStateTransition, appErr.Code)
}

func TestRetry_DepthLimit(t *testing.T) {
	j := mustCreate(t)
	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("boom"))
	j.RetryDepth = 3

	_, err := j.Retry("retrykey123456789012", 3)
	require.Error(t, err)
	appErr, _ := apperror.AsAppError(err)
	assert.Equal(t, apperror.CodeBusinessRule, appErr.Code)
}

func TestPullEvents_TransfersOwnership(t *testing.T) {
	j := mustCreate(t)
	events := j.PullEvents()
	require.Len(t, events, 1)
	assert.Empty(t, j.PendingEvents())
}

func TestEnrichEvents(t *testing.T) {
	j := mustCreate(t)
	j.EnrichEvents("user-1", "trace-1")

	events := j.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].ActorID)
	assert.Equal(t, "trace-1", events[0].TraceID)
}

func TestStatus_Table(t *testing.T) {
	assert.True(t, StatusQueued.CanTransitionTo(StatusRunning))
	assert.True(t, StatusQueued.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusQueued.CanTransitionTo(StatusExpired))
	assert.True(t, StatusRunning.CanTransitionTo(StatusSucceeded))
	assert.True(t, StatusRunning.CanTransitionTo(StatusFailed))
	assert.True(t, StatusFailed.CanTransitionTo(StatusRetrying))
	assert.True(t, StatusRetrying.CanTransitionTo(StatusQueued))
	assert.True(t, StatusRetrying.CanTransitionTo(StatusFailed))

	assert.False(t, StatusQueued.CanTransitionTo(StatusSucceeded))
	assert.False(t, StatusSucceeded.CanTransitionTo(StatusRunning))
	assert.False(t, StatusCancelled.CanTransitionTo(StatusQueued))
	assert.False(t, StatusExpired.CanTransitionTo(StatusRunning))

	for _, s := range []Status{StatusSucceeded, StatusCancelled, StatusExpired} {
		assert.True(t, s.IsTerminal())
	}
	for _, s := range []Status{StatusQueued, StatusRunning, StatusFailed, StatusRetrying} {
		assert.False(t, s.IsTerminal())
	}
}
