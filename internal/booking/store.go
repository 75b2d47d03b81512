package booking

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStore manages open booking modals.
type SessionStore struct {
	modals  map[string]*Modal
	mu      sync.RWMutex
	timeout time.Duration
}

// NewSessionStore creates a new modal store.
func NewSessionStore(timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &SessionStore{
		modals:  make(map[string]*Modal),
		timeout: timeout,
	}
}

// Create opens a modal for clubID within scope.
func (ss *SessionStore) Create(scope string, clubID int64) *Modal {
	m := NewModal(uuid.NewString(), scope, clubID)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.modals[m.ID] = m
	return m
}

// Get returns a live modal or nil.
func (ss *SessionStore) Get(id string) *Modal {
	ss.mu.RLock()
	m := ss.modals[id]
	ss.mu.RUnlock()

	if m == nil || m.IsExpired(ss.timeout) {
		return nil
	}
	return m
}

// Delete removes a modal.
func (ss *SessionStore) Delete(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.modals, id)
}

// Len returns the number of tracked modals, expired ones included.
func (ss *SessionStore) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.modals)
}

// Cleanup removes expired modals.
func (ss *SessionStore) Cleanup() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	removed := 0
	for id, m := range ss.modals {
		if m.IsExpired(ss.timeout) {
			delete(ss.modals, id)
			removed++
		}
	}
	return removed
}
