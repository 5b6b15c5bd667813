// Package status provides sync status tracking and persistence for the
// mirror. The record describes the most recent run and is written best
// effort: losing it costs observability, never correctness.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/blob"
)

// statusKey is the blob key of the status record.
const statusKey = "state/status.json"

// SyncStatus describes the most recent sync run.
type SyncStatus struct {
	// LastAttemptAt is when the most recent run started.
	LastAttemptAt time.Time `json:"lastAttemptAt"`

	// LastSuccessAt is when the mirror last completed a run. It survives
	// failed attempts so staleness can be judged.
	LastSuccessAt time.Time `json:"lastSuccessAt,omitzero"`

	// Outcome and Reason classify how the last run ended.
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`

	// Operation counts of the last applied run.
	Created int `json:"created,omitempty"`
	Updated int `json:"updated,omitempty"`
	Deleted int `json:"deleted,omitempty"`

	// Error carries the failure message of the last run, if any.
	Error string `json:"error,omitempty"`
}

// Recorder persists the sync status in the shared object store.
type Recorder struct {
	blobs blob.Store
}

// NewRecorder creates a status recorder over the given blob backend.
func NewRecorder(blobs blob.Store) *Recorder {
	return &Recorder{blobs: blobs}
}

// Record writes the status, carrying the previous LastSuccessAt forward when
// the new record does not set one.
func (r *Recorder) Record(ctx context.Context, s *SyncStatus) error {
	if s.LastSuccessAt.IsZero() {
		if prev, err := r.Load(ctx); err == nil && prev != nil {
			s.LastSuccessAt = prev.LastSuccessAt
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode sync status: %w", err)
	}
	if err := r.blobs.Put(ctx, statusKey, data); err != nil {
		return fmt.Errorf("failed to write sync status: %w", err)
	}
	return nil
}

// Load returns the persisted status, or nil if no run has been recorded yet.
func (r *Recorder) Load(ctx context.Context) (*SyncStatus, error) {
	data, err := r.blobs.Get(ctx, statusKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sync status: %w", err)
	}

	var s SyncStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode sync status: %w", err)
	}
	return &s, nil
}
