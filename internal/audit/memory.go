package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps every written entry in memory. It backs tests and
// deployments that configure no durable store.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Write(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Persisted = true
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) LoadTail(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.entries) > limit {
		start = len(m.entries) - limit
	}
	return append([]Entry(nil), m.entries[start:]...), nil
}

// Entries returns a copy of everything written so far.
func (m *MemoryStore) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
