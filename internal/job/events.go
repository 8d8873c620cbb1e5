package job

import (
	"time"

	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
)

// EventType tags a domain event variant.
type EventType string

const (
	EventSubmitted EventType = "job.submitted"
	EventStarted   EventType = "job.started"
	EventSucceeded EventType = "job.succeeded"
	EventFailed    EventType = "job.failed"
	EventCancelled EventType = "job.cancelled"
	EventRetried   EventType = "job.retried"
	EventExpired   EventType = "job.expired"
)

// EventSource is the CloudEvents source attribute for everything this
// service emits.
const EventSource = "/validahub/job-intake"

// eventSchemaVersion is bumped when the shape of Data changes.
const eventSchemaVersion = "1.0"

// Event is a CloudEvents 1.0 envelope around a job state transition. One
// struct covers every variant; Type is the tag and Data the variant body.
type Event struct {
	ID            id.ID           `json:"id"`
	Source        string          `json:"source"`
	SpecVersion   string          `json:"specversion"`
	Type          EventType       `json:"type"`
	Time          time.Time       `json:"time"`
	Subject       string          `json:"subject"`
	TenantID      tenant.TenantID `json:"tenant_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	SchemaVersion string          `json:"schema_version"`
	Data          map[string]any  `json:"data"`
}

// newEvent builds the envelope for one transition on j. The data's
// "version" is j.Version, the aggregate version after the transition.
func newEvent(j *Job, eventType EventType, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	data["job_id"] = j.ID.String()
	data["status"] = string(j.Status)
	data["version"] = j.Version

	return Event{
		ID:            id.New(),
		Source:        EventSource,
		SpecVersion:   "1.0",
		Type:          eventType,
		Time:          time.Now().UTC(),
		Subject:       "job:" + j.ID.String(),
		TenantID:      j.TenantID,
		SchemaVersion: eventSchemaVersion,
		Data:          data,
	}
}

// WithActor stamps the acting user onto the event. Returns a copy; the event
// already appended to the aggregate is not mutated.
func (e Event) WithActor(actorID string) Event {
	e.ActorID = actorID
	return e
}

// WithTrace stamps the request trace id onto the event.
func (e Event) WithTrace(traceID string) Event {
	e.TraceID = traceID
	return e
}
