package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
)

func (m *Manager) IsActive(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && !s.joining
}

// Active lists the identities whose state is settled here and safe to hand
// to other nodes.
func (m *Manager) Active() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.joining && s.loaded && !m.locked(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) Capture(_ context.Context, id uuid.UUID) (snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.joining {
		return snapshot.Snapshot{}, ErrNotActive
	}
	if !s.loaded || m.locked(id) {
		return snapshot.Snapshot{}, ErrLocked
	}
	now := time.Now()
	return snapshot.Snapshot{
		Identity: id,
		Taken:    now,
		LastSeen: now,
		Data:     append([]byte(nil), s.data...),
	}, nil
}

// Apply installs a snapshot won from another node. A session that is still
// joining gets it once the join completes; an identity with no session here
// has it persisted.
func (m *Manager) Apply(ctx context.Context, snap snapshot.Snapshot) error {
	m.mu.Lock()
	s, ok := m.sessions[snap.Identity]
	switch {
	case ok && s.joining:
		m.pending.Put(snap, m.ttl)
		m.mu.Unlock()
		m.log.Debug("cached snapshot for joining session", zap.Stringer("identity", snap.Identity))
		return nil
	case ok:
		s.data = append([]byte(nil), snap.Data...)
		s.loaded = true
	}
	m.mu.Unlock()

	if err := m.store.Save(ctx, snap); err != nil {
		m.keepOlder(ctx, snap)
		return fmt.Errorf("persist applied snapshot %s: %w", snap.Identity, err)
	}
	return nil
}

// keepOlder makes sure the stored copy does not look as fresh as a snapshot
// that could not be saved.
func (m *Manager) keepOlder(ctx context.Context, snap snapshot.Snapshot) {
	stored, err := m.store.LastSeen(ctx, snap.Identity)
	if err != nil || stored.Before(snap.LastSeen) {
		return
	}
	if err := m.store.SetLastSeen(ctx, snap.Identity, snap.LastSeen.Add(-time.Millisecond)); err != nil {
		m.log.Error("roll back last seen", zap.Stringer("identity", snap.Identity), zap.Error(err))
	}
}

func (m *Manager) Redirect(id uuid.UUID, node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.redirects[id] = node
	m.updateGauge()
	m.log.Info("redirecting", zap.Stringer("identity", id), zap.String("node", node))
}

func (m *Manager) Reject(id uuid.UUID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.rejects[id] = reason
	m.updateGauge()
	m.log.Warn("rejected", zap.Stringer("identity", id), zap.String("reason", reason))
}

func (m *Manager) ResourceCreated(id int64) {
	for {
		cur := m.resourceHigh.Load()
		if id <= cur || m.resourceHigh.CompareAndSwap(cur, id) {
			return
		}
	}
}
