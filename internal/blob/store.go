// Package blob provides the object-storage backend used for the sync lock
// and the persisted sync state. The backend is the only coordination point
// shared between concurrent invocations, so the one primitive that matters
// is atomic create-if-absent.
package blob

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned by a conditional write whose
	// precondition no longer holds: CreateExclusive against an existing
	// object, or ReplaceIfMatch against a changed or deleted one.
	ErrPreconditionFailed = errors.New("object precondition failed")
)

// Store is a minimal object-store abstraction for small serialized records.
type Store interface {
	// CreateExclusive writes the object only if no object exists under key.
	// The write must be atomic with the existence check; on conflict it
	// returns ErrPreconditionFailed.
	CreateExclusive(ctx context.Context, key string, data []byte) error

	// Get reads the object under key, returning ErrNotFound if it is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetVersioned reads the object together with an opaque version tag
	// identifying the exact stored revision.
	GetVersioned(ctx context.Context, key string) ([]byte, string, error)

	// ReplaceIfMatch overwrites the object only if its current version tag
	// equals version. The check must be atomic with the write; if the object
	// changed or disappeared it returns ErrPreconditionFailed.
	ReplaceIfMatch(ctx context.Context, key string, data []byte, version string) error

	// Put writes the object under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes the object under key. Deleting an absent object is not
	// an error.
	Delete(ctx context.Context, key string) error
}
