// Package state persists the sync cursor and the subscription record as
// small JSON blobs in the shared object store. Reads are permitted without
// the sync lock; mutation is only valid while holding it.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/blob"
)

const (
	cursorKey       = "state/cursor.json"
	subscriptionKey = "state/subscription.json"
)

// SubscriptionState enumerates the subscription state machine states.
type SubscriptionState string

const (
	// StateUnsubscribed means no notification channel exists.
	StateUnsubscribed SubscriptionState = "Unsubscribed"

	// StateSubscribed means an authoritative channel is active.
	StateSubscribed SubscriptionState = "Subscribed"

	// StateRenewing means a channel replacement is in progress.
	StateRenewing SubscriptionState = "Renewing"
)

// Cursor is the checkpoint up to which the target calendar reflects the
// source. It is valid only for the channel that produced it: when the
// channel is replaced the provider invalidates the token, so the channel id
// is recorded alongside it and a mismatch forces a full resync.
type Cursor struct {
	Token     string    `json:"token"`
	ChannelID string    `json:"channelId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscription is the persisted notification-channel record. At most one
// channel is authoritative at a time; callbacks referencing any other
// channel id are stale and must be ignored.
type Subscription struct {
	State      SubscriptionState `json:"state"`
	ChannelID  string            `json:"channelId,omitempty"`
	ResourceID string            `json:"resourceId,omitempty"`
	Expiry     time.Time         `json:"expiry,omitzero"`
}

// Expired reports whether the channel expiry has passed at the given time.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// Store reads and writes the persisted sync state.
type Store struct {
	blobs blob.Store
}

// NewStore creates a state store over the given blob backend.
func NewStore(blobs blob.Store) *Store {
	return &Store{blobs: blobs}
}

// LoadCursor returns the persisted cursor, or nil if no sync has completed
// yet.
func (s *Store) LoadCursor(ctx context.Context) (*Cursor, error) {
	var cur Cursor
	found, err := s.load(ctx, cursorKey, &cur)
	if err != nil || !found {
		return nil, err
	}
	return &cur, nil
}

// SaveCursor persists the cursor. Callers must hold the sync lock.
func (s *Store) SaveCursor(ctx context.Context, cur *Cursor) error {
	return s.save(ctx, cursorKey, cur)
}

// ClearCursor removes the cursor, forcing the next run to perform a full
// sync.
func (s *Store) ClearCursor(ctx context.Context) error {
	if err := s.blobs.Delete(ctx, cursorKey); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// LoadSubscription returns the persisted subscription record, or nil if
// none exists.
func (s *Store) LoadSubscription(ctx context.Context) (*Subscription, error) {
	var sub Subscription
	found, err := s.load(ctx, subscriptionKey, &sub)
	if err != nil || !found {
		return nil, err
	}
	return &sub, nil
}

// SaveSubscription persists the subscription record. Callers must hold the
// sync lock.
func (s *Store) SaveSubscription(ctx context.Context, sub *Subscription) error {
	return s.save(ctx, subscriptionKey, sub)
}

// ClearSubscription removes the subscription record.
func (s *Store) ClearSubscription(ctx context.Context) error {
	if err := s.blobs.Delete(ctx, subscriptionKey); err != nil {
		return fmt.Errorf("failed to clear subscription: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read state record %s: %w", key, err)
	}

	// Unknown fields are deliberately tolerated so records written by newer
	// builds still round-trip.
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode state record %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode state record %s: %w", key, err)
	}
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write state record %s: %w", key, err)
	}
	return nil
}
