// Package lock implements the blob-backed mutual exclusion lock that
// serializes sync runs across stateless invocations. Acquisition relies on
// the backend's atomic create-if-absent write; a TTL recorded with the lock
// lets a later caller reclaim it if the holder crashed without releasing.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calmirror/calmirror/internal/blob"
)

var (
	// ErrBusy indicates the lock is held by another caller. This is expected
	// contention, not a failure: the caller should skip its run.
	ErrBusy = errors.New("lock is held by another holder")

	// ErrNotHeld indicates a release attempt with a token that does not
	// match the current holder, typically after the lock expired and was
	// reclaimed.
	ErrNotHeld = errors.New("lock is not held by this token")
)

// record is the serialized lock object. Unknown fields are ignored on read
// so the layout can grow without invalidating live locks.
type record struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLSeconds int64     `json:"ttlSeconds"`
}

func (r record) expiresAt() time.Time {
	return r.AcquiredAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// Locker provides mutual exclusion over a single key in a blob store.
type Locker struct {
	store blob.Store
	key   string

	// now is injectable for expiry tests.
	now func() time.Time
}

// New creates a Locker for the given key.
func New(store blob.Store, key string) *Locker {
	return &Locker{
		store: store,
		key:   key,
		now:   time.Now,
	}
}

// Acquire attempts to take the lock for at most ttl. On success it returns
// an opaque holder token that must be presented to Release. If another
// unexpired holder owns the lock it returns ErrBusy immediately; there is
// no blocking wait.
func (l *Locker) Acquire(ctx context.Context, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	data, err := json.Marshal(record{
		Token:      token,
		AcquiredAt: l.now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode lock record: %w", err)
	}

	err = l.store.CreateExclusive(ctx, l.key, data)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, blob.ErrPreconditionFailed) {
		return "", fmt.Errorf("failed to write lock object: %w", err)
	}

	// Someone holds the lock. If their record is past its TTL the holder
	// crashed without releasing; reclaim it so a crash cannot block syncs
	// forever.
	current, version, err := l.read(ctx)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Released between our create and read. One retry.
			if err := l.store.CreateExclusive(ctx, l.key, data); err != nil {
				if errors.Is(err, blob.ErrPreconditionFailed) {
					return "", ErrBusy
				}
				return "", fmt.Errorf("failed to write lock object: %w", err)
			}
			return token, nil
		}
		return "", err
	}

	if l.now().Before(current.expiresAt()) {
		return "", ErrBusy
	}

	slog.Warn("Reclaiming expired lock",
		"key", l.key,
		"stale_token", current.Token,
		"expired_at", current.expiresAt())

	// The replace succeeds only against the exact expired record read above.
	// A fresh lock written by a competing reclaimer fails the precondition,
	// so two contenders can never both come away holding the lock.
	if err := l.store.ReplaceIfMatch(ctx, l.key, data, version); err != nil {
		if errors.Is(err, blob.ErrPreconditionFailed) {
			return "", ErrBusy
		}
		return "", fmt.Errorf("failed to replace expired lock object: %w", err)
	}
	return token, nil
}

// Release gives up the lock. Releasing a lock that has already expired and
// disappeared is a no-op success, so callers can release unconditionally on
// every exit path. Releasing with a token that no longer matches the holder
// returns ErrNotHeld and leaves the current holder's lock in place.
func (l *Locker) Release(ctx context.Context, token string) error {
	current, _, err := l.read(ctx)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		return err
	}

	if current.Token != token {
		return ErrNotHeld
	}

	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("failed to delete lock object: %w", err)
	}
	return nil
}

func (l *Locker) read(ctx context.Context) (*record, string, error) {
	data, version, err := l.store.GetVersioned(ctx, l.key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("failed to read lock object: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, "", fmt.Errorf("failed to decode lock record: %w", err)
	}
	return &rec, version, nil
}
