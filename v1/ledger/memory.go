package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend keeps the document in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	doc   []byte
	temps map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{temps: make(map[string][]byte)}
}

// Read implements Backend.
func (m *MemoryBackend) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, nil
	}
	return append([]byte(nil), m.doc...), nil
}

// WriteTemp implements Backend.
func (m *MemoryBackend) WriteTemp(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := uuid.NewString()
	m.mu.Lock()
	m.temps[ref] = append([]byte(nil), data...)
	m.mu.Unlock()
	return ref, nil
}

// ReadTemp implements Backend.
func (m *MemoryBackend) ReadTemp(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.temps[ref]
	if !ok {
		return nil, fmt.Errorf("baton: unknown temporary ledger copy %q", ref)
	}
	return append([]byte(nil), data...), nil
}

// Commit implements Backend.
func (m *MemoryBackend) Commit(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.temps[ref]
	if !ok {
		return fmt.Errorf("baton: unknown temporary ledger copy %q", ref)
	}
	delete(m.temps, ref)
	m.doc = data
	return nil
}

// Discard implements Backend.
func (m *MemoryBackend) Discard(_ context.Context, ref string) error {
	m.mu.Lock()
	delete(m.temps, ref)
	m.mu.Unlock()
	return nil
}
