package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Repository for tests and single-node deployments.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Envelope // key: kind + "\x00" + id
	clock func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]Envelope),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func key(kind, id string) string { return kind + "\x00" + id }

// Get implements Repository.
func (m *Memory) Get(_ context.Context, kind, id string) (Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.items[key(kind, id)]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	return env, nil
}

// Create implements Repository.
func (m *Memory) Create(_ context.Context, kind, id string, data []byte) (Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(kind, id)
	if _, ok := m.items[k]; ok {
		return Envelope{}, ErrExists
	}
	env := Envelope{
		Kind:      kind,
		ID:        id,
		Version:   1,
		Data:      append([]byte(nil), data...),
		UpdatedAt: m.clock(),
	}
	m.items[k] = env
	return env, nil
}

// CompareAndSwap implements Repository.
func (m *Memory) CompareAndSwap(_ context.Context, kind, id string, expectedVersion int64, data []byte) (Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(kind, id)
	cur, ok := m.items[k]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Envelope{}, ErrStaleVersion
	}
	next := Envelope{
		Kind:      kind,
		ID:        id,
		Version:   cur.Version + 1,
		Data:      append([]byte(nil), data...),
		UpdatedAt: m.clock(),
	}
	m.items[k] = next
	return next, nil
}

// Scan implements Repository.
func (m *Memory) Scan(_ context.Context, kind string, visit func(Envelope) bool) error {
	m.mu.RLock()
	snapshot := make([]Envelope, 0, len(m.items))
	for _, env := range m.items {
		if env.Kind == kind {
			snapshot = append(snapshot, env)
		}
	}
	m.mu.RUnlock()

	for _, env := range snapshot {
		if !visit(env) {
			return nil
		}
	}
	return nil
}

// Delete implements Repository.
func (m *Memory) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key(kind, id))
	return nil
}
