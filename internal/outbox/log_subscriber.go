package outbox

import (
	"context"

	"validahub-core/internal/job"
	"validahub-core/pkg/logger"
)

// LogSubscriber emits every dispatched event as a structured log line. It is
// the default sink in deployments that have no message broker configured,
// and doubles as the audit trail of what left the outbox.
type LogSubscriber struct{}

// Name implements Subscriber.
func (LogSubscriber) Name() string { return "log" }

// Deliver implements Subscriber.
func (LogSubscriber) Deliver(ctx context.Context, event job.Event) error {
	logger.Info(ctx, "event dispatched",
		"event_id", event.ID,
		"event_type", event.Type,
		"subject", event.Subject,
		"tenant_id", event.TenantID,
		"occurred_at", event.Time,
	)
	return nil
}

var _ Subscriber = LogSubscriber{}
