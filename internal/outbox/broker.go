package outbox

import (
	"context"
	"sync"
	"sync/atomic"

	"validahub-core/internal/core/tenant"
	"validahub-core/internal/job"
	"validahub-core/pkg/logger"
)

// Broker is an in-process Subscriber fanning dispatched events out to SSE
// stream clients. Each client gets a bounded channel; when a slow client's
// buffer is full the event is dropped for that client and a drop counter is
// incremented rather than blocking the dispatch loop.
type Broker struct {
	mu      sync.RWMutex
	clients map[*BrokerClient]struct{}
	dropped atomic.Int64
	buffer  int
}

// BrokerClient is one stream subscription, scoped to a tenant.
type BrokerClient struct {
	tenantID tenant.TenantID
	events   chan job.Event
}

// Events is the receive side of the client's bounded buffer.
func (c *BrokerClient) Events() <-chan job.Event { return c.events }

// NewBroker creates a Broker with the given per-client buffer size.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		clients: make(map[*BrokerClient]struct{}),
		buffer:  buffer,
	}
}

// Name implements Subscriber.
func (b *Broker) Name() string { return "stream-broker" }

// Deliver implements Subscriber. Never returns an error: the stream is a
// best-effort projection and must not hold back outbox retries.
func (b *Broker) Deliver(ctx context.Context, event job.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients {
		if client.tenantID != event.TenantID {
			continue
		}
		select {
		case client.events <- event:
		default:
			dropped := b.dropped.Add(1)
			logger.Debug(ctx, "stream client buffer full, event dropped",
				"tenant_id", event.TenantID, "event_type", event.Type, "dropped_total", dropped)
		}
	}
	return nil
}

// Subscribe registers a new client for tenantID.
func (b *Broker) Subscribe(tenantID tenant.TenantID) *BrokerClient {
	client := &BrokerClient{
		tenantID: tenantID,
		events:   make(chan job.Event, b.buffer),
	}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	return client
}

// Unsubscribe removes a client. Its channel is not closed; the subscriber
// goroutine simply stops receiving.
func (b *Broker) Unsubscribe(client *BrokerClient) {
	b.mu.Lock()
	delete(b.clients, client)
	b.mu.Unlock()
}

// Dropped returns how many events were discarded due to full client buffers.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

var _ Subscriber = (*Broker)(nil)
