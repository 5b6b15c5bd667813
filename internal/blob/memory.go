package blob

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStore is an in-memory Store. It is intended for tests and local
// development; it honors the same atomicity contract as the S3 backend.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]memObject
	revision uint64
}

type memObject struct {
	data    []byte
	version string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
	}
}

// nextVersion must be called with mu held.
func (m *MemoryStore) nextVersion() string {
	m.revision++
	return strconv.FormatUint(m.revision, 10)
}

// CreateExclusive implements Store.
func (m *MemoryStore) CreateExclusive(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[key]; exists {
		return ErrPreconditionFailed
	}
	m.objects[key] = memObject{data: append([]byte(nil), data...), version: m.nextVersion()}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[key]
	if !exists {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

// GetVersioned implements Store.
func (m *MemoryStore) GetVersioned(_ context.Context, key string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[key]
	if !exists {
		return nil, "", ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.version, nil
}

// ReplaceIfMatch implements Store.
func (m *MemoryStore) ReplaceIfMatch(_ context.Context, key string, data []byte, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[key]
	if !exists || obj.version != version {
		return ErrPreconditionFailed
	}
	m.objects[key] = memObject{data: append([]byte(nil), data...), version: m.nextVersion()}
	return nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = memObject{data: append([]byte(nil), data...), version: m.nextVersion()}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
