package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"validahub-core/pkg/logger"
)

var tracer = otel.Tracer("validahub-core/outbox")

// DispatcherConfig tunes the background dispatch loop.
type DispatcherConfig struct {
	// PollInterval is how often the loop wakes up to look for a batch.
	PollInterval time.Duration

	// BatchSize caps how many entries one tick processes.
	BatchSize int

	// MaxAttempts is the per-entry retry budget before dead-lettering.
	MaxAttempts int

	// BackoffInitial and BackoffMax bound the exponential retry schedule.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Retention is how long delivered entries are kept before Purge.
	Retention time.Duration

	// PurgeInterval is how often the retention sweep runs.
	PurgeInterval time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   time.Second,
		BatchSize:      100,
		MaxAttempts:    5,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     5 * time.Minute,
		Retention:      7 * 24 * time.Hour,
		PurgeInterval:  time.Hour,
	}
}

// Dispatcher drains the outbox: a single worker loop selecting over the poll
// ticker and shutdown, delivering each entry to every subscriber. Per-subject
// ordering holds within one worker because batches come back sorted by
// occurred_at; across replicas ordering is best-effort and subscribers must
// be idempotent.
type Dispatcher struct {
	store       Store
	subscribers []Subscriber
	cfg         DispatcherConfig
	done        chan struct{}
}

// NewDispatcher creates a Dispatcher. Subscribers are fixed at construction.
func NewDispatcher(store Store, subscribers []Subscriber, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		store:       store,
		subscribers: subscribers,
		cfg:         cfg,
		done:        make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, dispatching batches on every tick.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	purgeTicker := time.NewTicker(d.purgeInterval())
	defer purgeTicker.Stop()

	logger.Info(ctx, "outbox dispatcher started",
		"poll_interval", d.cfg.PollInterval,
		"batch_size", d.cfg.BatchSize,
		"max_attempts", d.cfg.MaxAttempts,
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "outbox dispatcher stopping")
			return
		case <-ticker.C:
			if _, err := d.DispatchBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "outbox dispatch batch failed", "error", err)
			}
		case <-purgeTicker.C:
			d.purge(ctx)
		}
	}
}

// Done is closed once Run has fully exited, for shutdown sequencing.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// DispatchBatch fetches one batch and delivers every entry. Run calls it on
// every tick; it is exported for tests.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (int, error) {
	entries, err := d.store.FetchBatch(ctx, d.cfg.BatchSize, d.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if d.dispatchEntry(ctx, entry) {
			delivered++
		}
	}
	return delivered, nil
}

// dispatchEntry delivers one entry to all subscribers and records the
// outcome. Returns true on successful delivery.
func (d *Dispatcher) dispatchEntry(ctx context.Context, entry Entry) bool {
	ctx, span := tracer.Start(ctx, "outbox.dispatch",
		trace.WithAttributes(
			attribute.String("outbox.entry_id", entry.ID.String()),
			attribute.String("outbox.event_type", entry.EventType),
			attribute.Int("outbox.attempt", entry.AttemptCount+1),
		))
	defer span.End()

	event, err := entry.Event()
	if err != nil {
		// Undecodable payload: burns attempts until it dead-letters, same
		// as a subscriber that always fails.
		d.recordFailure(ctx, entry, err)
		return false
	}

	var failures []string
	for _, sub := range d.subscribers {
		if err := sub.Deliver(ctx, event); err != nil {
			failures = append(failures, sub.Name()+": "+err.Error())
		}
	}

	if len(failures) > 0 {
		d.recordFailure(ctx, entry, errors.New(strings.Join(failures, "; ")))
		return false
	}

	if err := d.store.MarkDispatched(ctx, entry.ID); err != nil {
		logger.Error(ctx, "mark outbox entry dispatched failed",
			"entry_id", entry.ID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) recordFailure(ctx context.Context, entry Entry, deliveryErr error) {
	next := time.Now().UTC().Add(d.backoffFor(entry.AttemptCount + 1))
	if err := d.store.MarkFailed(ctx, entry.ID, deliveryErr.Error(), next, d.cfg.MaxAttempts); err != nil {
		logger.Error(ctx, "mark outbox entry failed errored",
			"entry_id", entry.ID, "error", err)
		return
	}
	logger.Warn(ctx, "outbox delivery failed",
		"entry_id", entry.ID,
		"event_type", entry.EventType,
		"attempt", entry.AttemptCount+1,
		"max_attempts", d.cfg.MaxAttempts,
		"next_visible_at", next,
		"error", deliveryErr,
	)
}

// backoffFor computes the delay before the given attempt number: exponential
// with jitter, capped at BackoffMax.
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.MaxInterval = d.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	return delay
}

func (d *Dispatcher) purge(ctx context.Context) {
	if d.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-d.cfg.Retention)
	removed, err := d.store.Purge(ctx, cutoff)
	if err != nil {
		logger.Error(ctx, "outbox purge failed", "error", err)
		return
	}
	if removed > 0 {
		logger.Info(ctx, "purged dispatched outbox entries", "count", removed, "older_than", cutoff)
	}
}

func (d *Dispatcher) purgeInterval() time.Duration {
	if d.cfg.PurgeInterval <= 0 {
		return time.Hour
	}
	return d.cfg.PurgeInterval
}
