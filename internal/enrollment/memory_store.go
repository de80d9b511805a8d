package enrollment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory enrollment store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory enrollment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[userID]
	if !ok {
		return nil, ErrNotEnrolled
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) InsertIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.UserID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	m.records[rec.UserID] = &cp
	return rec, true, nil
}

var _ Store = (*MemoryStore)(nil)
