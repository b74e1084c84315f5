package unifiedlog

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation backing tests and the
// in-process CLI example.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Row
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) WriteBatch(_ context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Row
	for _, r := range m.rows {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkWinner(_ context.Context, sessionID, phaseName string, soundingIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := true
	for i := range m.rows {
		r := &m.rows[i]
		if r.SessionID == sessionID && r.PhaseName == phaseName && r.SoundingIndex != nil && *r.SoundingIndex == soundingIndex {
			r.IsWinner = &t
		}
	}
	return nil
}

// Rows returns a snapshot copy, for test assertions.
func (m *MemoryStore) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}
