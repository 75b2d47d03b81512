package overlay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps scopes in process memory. Scopes expire ttl after their
// last write; ttl <= 0 keeps them until the process exits.
type MemoryStore struct {
	mu     sync.Mutex
	scopes map[string]*memoryScope
	ttl    time.Duration
	now    func() time.Time
}

type memoryScope struct {
	entries   []Entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		scopes: make(map[string]*memoryScope),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Load returns a copy of the scope's entries.
func (m *MemoryStore) Load(_ context.Context, scope string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc := m.live(scope)
	if sc == nil {
		return nil, nil
	}
	out := make([]Entry, len(sc.entries))
	copy(out, sc.entries)
	return out, nil
}

// Update runs fn under the store lock.
func (m *MemoryStore) Update(_ context.Context, scope string, fn func([]Entry) []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []Entry
	if sc := m.live(scope); sc != nil {
		current = append(current, sc.entries...)
	}
	next := fn(current)

	sc := &memoryScope{entries: next}
	if m.ttl > 0 {
		sc.expiresAt = m.now().Add(m.ttl)
	}
	m.scopes[scope] = sc
	return nil
}

// Cleanup removes expired scopes and returns how many were dropped.
func (m *MemoryStore) Cleanup(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for scope := range m.scopes {
		if m.live(scope) == nil {
			removed++
		}
	}
	return removed, nil
}

// live returns the scope if present and not expired, dropping it otherwise.
// Caller holds m.mu.
func (m *MemoryStore) live(scope string) *memoryScope {
	sc, ok := m.scopes[scope]
	if !ok {
		return nil
	}
	if !sc.expiresAt.IsZero() && m.now().After(sc.expiresAt) {
		delete(m.scopes, scope)
		return nil
	}
	return sc
}
