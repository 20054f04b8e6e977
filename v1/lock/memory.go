package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	meta    Meta
	created time.Time
}

// InMemory is a Backend keeping locks in process memory. It coordinates
// goroutines of one process and is mostly useful in tests.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
}

// NewInMemory returns an empty in-memory backend.
func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]memoryEntry)}
}

// Create implements Backend.
func (m *InMemory) Create(ctx context.Context, name string, meta Meta) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[name]; ok {
		return false, nil
	}
	m.locks[name] = memoryEntry{meta: meta, created: meta.AcquiredAt}
	return true, nil
}

// Read implements Backend.
func (m *InMemory) Read(ctx context.Context, name string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	m.mu.Lock()
	e, ok := m.locks[name]
	m.mu.Unlock()
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Meta: e.meta, Complete: true, Created: e.created, Version: e.meta.Token}, true, nil
}

// Touch implements Backend.
func (m *InMemory) Touch(ctx context.Context, name, token string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[name]
	if !ok || e.meta.Token != token {
		return false, nil
	}
	e.meta.AcquiredAt = at
	e.created = at
	m.locks[name] = e
	return true, nil
}

// RemoveIf implements Backend.
func (m *InMemory) RemoveIf(ctx context.Context, name, version string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[name]
	if !ok || e.meta.Token != version {
		return false, nil
	}
	delete(m.locks, name)
	return true, nil
}

// Remove implements Backend.
func (m *InMemory) Remove(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[name]
	delete(m.locks, name)
	return ok, nil
}

// Names implements Backend.
func (m *InMemory) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.locks))
	for name := range m.locks {
		names = append(names, name)
	}
	return names, nil
}
