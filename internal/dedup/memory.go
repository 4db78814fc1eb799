package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps identifiers in process memory. It does not survive
// restarts and is meant for single-shot runs and tests.
type MemoryStore struct {
	*window

	mu     sync.Mutex
	expiry map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		window: newWindow(retention),
		expiry: make(map[string]time.Time),
	}
}

// ShouldAlert reports whether id is absent or expired. Expired entries are
// dropped on read.
func (m *MemoryStore) ShouldAlert(_ context.Context, id string, now time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.absentLocked(id, now), nil
}

// Record marks id as alerted at now.
func (m *MemoryStore) Record(_ context.Context, id string, now time.Time) error {
	if id == "" {
		return ErrEmptyID
	}
	m.mu.Lock()
	m.expiry[id] = now.Add(m.Retention())
	m.mu.Unlock()
	return nil
}

// CheckAndRecord records id if absent and reports whether it was.
func (m *MemoryStore) CheckAndRecord(_ context.Context, id string, now time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.absentLocked(id, now) {
		return false, nil
	}
	m.expiry[id] = now.Add(m.Retention())
	return true, nil
}

// Purge removes all entries expired at now.
func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, exp := range m.expiry {
		if !now.Before(exp) {
			delete(m.expiry, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored identifiers, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expiry)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) absentLocked(id string, now time.Time) bool {
	exp, ok := m.expiry[id]
	if !ok {
		return true
	}
	if !now.Before(exp) {
		delete(m.expiry, id)
		return true
	}
	return false
}
