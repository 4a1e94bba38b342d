package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept entirely in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[uuid.UUID]Snapshot
	lastSeen map[uuid.UUID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[uuid.UUID]Snapshot),
		lastSeen: make(map[uuid.UUID]time.Time),
	}
}

func (m *MemoryStore) Load(_ context.Context, id uuid.UUID) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	s.Data = append([]byte(nil), s.Data...)
	s.LastSeen = m.lastSeen[id]
	return s, nil
}

// Save stores s and moves the identity's last-seen to s.LastSeen.
func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Data = append([]byte(nil), s.Data...)
	m.data[s.Identity] = s
	m.lastSeen[s.Identity] = s.LastSeen
	return nil
}

func (m *MemoryStore) LastSeen(_ context.Context, id uuid.UUID) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[id], nil
}

func (m *MemoryStore) SetLastSeen(_ context.Context, id uuid.UUID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[id] = t
	return nil
}
