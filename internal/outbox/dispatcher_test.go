package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/job"
)

var tenantA = tenant.MustParse("t_acme")

// fakeStore is an in-memory outbox.Store for dispatcher tests.
type fakeStore struct {
	mu      sync.Mutex
	entries map[id.ID]*Entry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[id.ID]*Entry)}
}

func (s *fakeStore) add(t *testing.T, event job.Event) Entry {
	t.Helper()
	entry, err := NewEntry(event, "")
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := entry
	s.entries[entry.ID] = &stored
	return entry
}

func (s *fakeStore) StoreEvents(_ context.Context, events []job.Event, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		entry, err := NewEntry(event, correlationID)
		if err != nil {
			return err
		}
		stored := entry
		s.entries[entry.ID] = &stored
	}
	return nil
}

func (s *fakeStore) FetchBatch(_ context.Context, limit, maxAttempts int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []Entry
	for _, entry := range s.entries {
		if entry.DispatchedAt == nil && entry.AttemptCount < maxAttempts && !entry.NextVisibleAt.After(now) {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) MarkDispatched(_ context.Context, entryID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.entries[entryID].DispatchedAt = &now
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, entryID id.ID, deliveryErr string, nextVisibleAt time.Time, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[entryID]
	entry.AttemptCount++
	entry.LastError = &deliveryErr
	entry.NextVisibleAt = nextVisibleAt
	if entry.AttemptCount >= maxAttempts {
		now := time.Now()
		entry.DispatchedAt = &now
	}
	return nil
}

func (s *fakeStore) DeadLetters(_ context.Context, tenantID tenant.TenantID, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, entry := range s.entries {
		if entry.TenantID == tenantID && entry.DispatchedAt != nil && entry.LastError != nil {
			out = append(out, *entry)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for entryID, entry := range s.entries {
		if entry.DispatchedAt != nil && entry.OccurredAt.Before(olderThan) {
			delete(s.entries, entryID)
			removed++
		}
	}
	return removed, nil
}

// recordingSubscriber collects delivered events, optionally failing first.
type recordingSubscriber struct {
	mu        sync.Mutex
	delivered []job.Event
	failUntil int
	calls     int
}

func (r *recordingSubscriber) Name() string { return "recording" }

func (r *recordingSubscriber) Deliver(_ context.Context, event job.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failUntil {
		return errors.New("sink unavailable")
	}
	r.delivered = append(r.delivered, event)
	return nil
}

func testEvent(t *testing.T) job.Event {
	t.Helper()
	j := newTestJob(t)
	events := j.PullEvents()
	require.Len(t, events, 1)
	return events[0]
}

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	fileRef, err := job.ParseFileReference("s3://bucket/products.csv")
	require.NoError(t, err)
	j, err := job.Create(job.CreateParams{
		TenantID:       tenantA,
		SellerID:       "seller-001",
		Channel:        "meli",
		Type:           job.TypeValidation,
		FileRef:        fileRef,
		RulesProfileID: "meli@1.2.3",
		IdempotencyKey: "abcdef1234567890",
	})
	require.NoError(t, err)
	return j
}

func TestEntry_EventRoundTrip(t *testing.T) {
	event := testEvent(t)
	entry, err := NewEntry(event, "corr-1")
	require.NoError(t, err)

	assert.Equal(t, string(event.Type), entry.EventType)
	assert.Equal(t, event.TenantID, entry.TenantID)
	assert.Equal(t, event.Time, entry.OccurredAt)

	rehydrated, err := entry.Event()
	require.NoError(t, err)
	assert.Equal(t, event.ID, rehydrated.ID)
	assert.Equal(t, event.Type, rehydrated.Type)
	assert.Equal(t, event.Subject, rehydrated.Subject)
	assert.Equal(t, event.Data["job_id"], rehydrated.Data["job_id"])
}

func TestDispatcher_DeliversAndMarks(t *testing.T) {
	store := newFakeStore()
	entry := store.add(t, testEvent(t))

	sub := &recordingSubscriber{}
	dispatcher := NewDispatcher(store, []Subscriber{sub}, DefaultDispatcherConfig())

	delivered, err := dispatcher.DispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, sub.delivered, 1)
	assert.NotNil(t, store.entries[entry.ID].DispatchedAt)
}

func TestDispatcher_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	store := newFakeStore()
	entry := store.add(t, testEvent(t))

	cfg := DefaultDispatcherConfig()
	cfg.MaxAttempts = 3
	sub := &recordingSubscriber{failUntil: 100}
	dispatcher := NewDispatcher(store, []Subscriber{sub}, cfg)

	ctx := context.Background()
	for i := 0; i < cfg.MaxAttempts; i++ {
		// make the entry visible again regardless of backoff schedule
		store.mu.Lock()
		store.entries[entry.ID].NextVisibleAt = time.Now().Add(-time.Second)
		store.mu.Unlock()

		delivered, err := dispatcher.DispatchBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, delivered)
	}

	stored := store.entries[entry.ID]
	assert.Equal(t, cfg.MaxAttempts, stored.AttemptCount)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "sink unavailable")
	assert.NotNil(t, stored.DispatchedAt, "exhausted entries are finalized")

	dlq, err := store.DeadLetters(ctx, tenantA, 10)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)

	// a finalized entry never dispatches again
	delivered, err := dispatcher.DispatchBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestDispatcher_PreservesOccurredAtOrder(t *testing.T) {
	store := newFakeStore()
	j := newTestJob(t)
	require.NoError(t, j.Start())
	require.NoError(t, j.Fail("boom"))
	require.NoError(t, store.StoreEvents(context.Background(), j.PullEvents(), ""))

	sub := &recordingSubscriber{}
	dispatcher := NewDispatcher(store, []Subscriber{sub}, DefaultDispatcherConfig())

	_, err := dispatcher.DispatchBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, sub.delivered, 3)
	assert.Equal(t, job.EventSubmitted, sub.delivered[0].Type)
	assert.Equal(t, job.EventStarted, sub.delivered[1].Type)
	assert.Equal(t, job.EventFailed, sub.delivered[2].Type)
}

func TestDispatcher_BackoffGrowsAndCaps(t *testing.T) {
	cfg := DefaultDispatcherConfig()
	cfg.BackoffInitial = time.Second
	cfg.BackoffMax = 10 * time.Second
	dispatcher := NewDispatcher(newFakeStore(), nil, cfg)

	first := dispatcher.backoffFor(1)
	assert.Greater(t, first, time.Duration(0))
	deep := dispatcher.backoffFor(20)
	assert.Greater(t, deep, first, "backoff grows with the attempt number")
	assert.LessOrEqual(t, deep, cfg.BackoffMax+cfg.BackoffMax/2, "jittered backoff stays near the cap")
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultDispatcherConfig()
	cfg.PollInterval = 10 * time.Millisecond
	dispatcher := NewDispatcher(newFakeStore(), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)
	cancel()

	select {
	case <-dispatcher.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestBroker_FanOutAndTenantScoping(t *testing.T) {
	broker := NewBroker(4)
	clientA := broker.Subscribe(tenantA)
	clientB := broker.Subscribe(tenant.MustParse("t_globex"))
	defer broker.Unsubscribe(clientA)
	defer broker.Unsubscribe(clientB)

	event := testEvent(t)
	require.NoError(t, broker.Deliver(context.Background(), event))

	select {
	case got := <-clientA.Events():
		assert.Equal(t, event.ID, got.ID)
	default:
		t.Fatal("tenant client did not receive its event")
	}
	select {
	case <-clientB.Events():
		t.Fatal("event leaked to another tenant's stream")
	default:
	}
}

func TestBroker_DropsWhenClientBufferFull(t *testing.T) {
	broker := NewBroker(1)
	client := broker.Subscribe(tenantA)
	defer broker.Unsubscribe(client)

	ctx := context.Background()
	require.NoError(t, broker.Deliver(ctx, testEvent(t)))
	require.NoError(t, broker.Deliver(ctx, testEvent(t)))

	assert.Equal(t, int64(1), broker.Dropped())
}

var _ Store = (*fakeStore)(nil)
