package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"validahub-core/internal/job"
)

// JobView is the caller-facing projection of one job. It is also the
// response payload persisted to the idempotency store, so a replayed
// submission returns the winner's bytes unchanged.
type JobView struct {
	ID             string       `json:"job_id"`
	Status         string       `json:"status"`
	SellerID       string       `json:"seller_id"`
	Channel        string       `json:"channel"`
	Type           string       `json:"type"`
	FileRef        string       `json:"file_ref"`
	RulesProfileID string       `json:"rules_profile_id"`
	Counters       job.Counters `json:"counters"`
	RetryOf        string       `json:"retry_of,omitempty"`
	RetryDepth     int          `json:"retry_depth,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Version        int          `json:"version"`
}

// NewJobView projects a job aggregate.
func NewJobView(j *job.Job) JobView {
	view := JobView{
		ID:             j.ID.String(),
		Status:         string(j.Status),
		SellerID:       j.SellerID.String(),
		Channel:        j.Channel.String(),
		Type:           string(j.Type),
		FileRef:        j.FileRef.String(),
		RulesProfileID: j.RulesProfileID.String(),
		Counters:       j.Counters,
		RetryDepth:     j.RetryDepth,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
		Version:        j.Version,
	}
	if j.RetryOf != nil {
		view.RetryOf = j.RetryOf.String()
	}
	return view
}

// marshalView serializes the projection deterministically (struct field
// order), producing the bytes stored and replayed for the key.
func marshalView(j *job.Job) ([]byte, error) {
	payload, err := json.Marshal(NewJobView(j))
	if err != nil {
		return nil, fmt.Errorf("marshal job view: %w", err)
	}
	return payload, nil
}
