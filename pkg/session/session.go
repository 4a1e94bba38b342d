// Package session is the host side of reconciliation: it tracks which
// identities are active on this node, holds their live state and refuses to
// mutate it while the cluster has not agreed who holds the freshest copy.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/reconcile"
	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
)

var (
	ErrLocked    = errors.New("session: identity is waiting for reconciliation")
	ErrNotActive = errors.New("session: identity is not active")
)

// Reconciler is the part of reconcile.Service the manager drives.
type Reconciler interface {
	StartQuery(ctx context.Context, id uuid.UUID, onComplete func(reconcile.Result)) (*reconcile.Query, error)
	IsLocked(id uuid.UUID) bool
	Depart(ctx context.Context, s snapshot.Snapshot) (bool, error)
	Release(ctx context.Context, id uuid.UUID) (bool, error)
}

type session struct {
	joinedAt time.Time
	data     []byte
	// joining is set until the reconciliation query has been started. The
	// identity does not count as active meanwhile, so the query compares
	// the stored last-seen instead of now.
	joining bool
	loaded  bool
}

// Status is the externally visible state of one identity on this node.
type Status struct {
	ID         uuid.UUID `json:"id"`
	Active     bool      `json:"active"`
	Locked     bool      `json:"locked"`
	JoinedAt   time.Time `json:"joined_at,omitzero"`
	Data       []byte    `json:"data,omitempty"`
	RedirectTo string    `json:"redirect_to,omitempty"`
	Rejected   string    `json:"rejected,omitempty"`
}

// Manager implements reconcile.Host.
type Manager struct {
	store snapshot.Store
	// pending holds snapshots that arrived before their session finished
	// joining.
	pending *snapshot.Cache
	ttl     time.Duration
	log     *zap.Logger

	rec Reconciler

	mu        sync.Mutex
	sessions  map[uuid.UUID]*session
	redirects map[uuid.UUID]string
	rejects   map[uuid.UUID]string

	resourceHigh atomic.Int64
}

// NewManager builds a manager. pendingTTL bounds how long an early snapshot
// waits for its session; the query timeout is a good value.
func NewManager(store snapshot.Store, pending *snapshot.Cache, pendingTTL time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:     store,
		pending:   pending,
		ttl:       pendingTTL,
		log:       log.Named("session"),
		sessions:  make(map[uuid.UUID]*session),
		redirects: make(map[uuid.UUID]string),
		rejects:   make(map[uuid.UUID]string),
	}
}

// Bind attaches the reconciler. It must be called before Join.
func (m *Manager) Bind(r Reconciler) { m.rec = r }

// Join activates id on this node and starts reconciling its state. The
// session stays locked until the cluster resolves who holds the freshest
// snapshot.
func (m *Manager) Join(ctx context.Context, id uuid.UUID) (Status, error) {
	if m.rec == nil {
		return Status{}, reconcile.ErrNoTransport
	}
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return m.Status(id), nil
	}
	m.sessions[id] = &session{joinedAt: time.Now(), joining: true}
	delete(m.redirects, id)
	delete(m.rejects, id)
	m.mu.Unlock()

	if _, err := m.rec.StartQuery(ctx, id, m.resolved); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return Status{}, fmt.Errorf("reconcile %s: %w", id, err)
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.joining = false
		if snap, ok := m.pending.Take(id); ok {
			s.data = snap.Data
			s.loaded = true
			m.log.Debug("applied early snapshot", zap.Stringer("identity", id))
		}
	}
	m.updateGauge()
	m.mu.Unlock()
	return m.Status(id), nil
}

// resolved runs when the reconciliation query of a session completes.
func (m *Manager) resolved(res reconcile.Result) {
	log := m.log.With(zap.Stringer("identity", res.Identity), zap.Stringer("outcome", res.Outcome))
	switch res.Outcome {
	case reconcile.OutcomeLocal:
		if err := m.loadLocal(res.Identity); err != nil {
			log.Error("load stored snapshot", zap.Error(err))
			m.Reject(res.Identity, reconcile.ReasonCantLoad)
			return
		}
		log.Debug("freshest state is local")
	case reconcile.OutcomeFetch:
		log.Debug("fetching snapshot", zap.String("from", res.Winner))
	case reconcile.OutcomeFailed:
		log.Warn("reconciliation failed", zap.Error(res.Err))
	default:
		log.Debug("reconciliation finished", zap.String("winner", res.Winner))
	}
}

func (m *Manager) loadLocal(id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ttl)
	defer cancel()
	snap, err := m.store.Load(ctx, id)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.loaded {
		return nil
	}
	s.data = snap.Data
	s.loaded = true
	return nil
}

// Act replaces the live state of id.
func (m *Manager) Act(id uuid.UUID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotActive
	}
	if s.joining || !s.loaded || m.locked(id) {
		return ErrLocked
	}
	s.data = append([]byte(nil), data...)
	return nil
}

// Leave deactivates id, hands its state to the cluster and persists it.
// State of a session that never finished reconciling or loading is
// discarded and never leaves this node.
func (m *Manager) Leave(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotActive
	}
	now := time.Now()
	snap := snapshot.Snapshot{Identity: id, Taken: now, LastSeen: now, Data: s.data}
	loaded := s.loaded
	delete(m.sessions, id)
	m.updateGauge()
	m.mu.Unlock()

	if !loaded {
		if _, err := m.rec.Release(ctx, id); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
		m.log.Info("left before reconciliation finished", zap.Stringer("identity", id))
		return nil
	}
	abandoned, err := m.rec.Depart(ctx, snap)
	if err != nil {
		return fmt.Errorf("depart %s: %w", id, err)
	}
	if abandoned {
		m.log.Info("left before reconciliation finished", zap.Stringer("identity", id))
		return nil
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	return nil
}

// Persist saves the state of every reconciled session without ending it.
// Used when the node stops.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.Lock()
	now := time.Now()
	var snaps []snapshot.Snapshot
	for id, s := range m.sessions {
		if s.loaded && !m.locked(id) {
			snaps = append(snaps, snapshot.Snapshot{Identity: id, Taken: now, LastSeen: now, Data: s.data})
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, snap := range snaps {
		if err := m.store.Save(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", snap.Identity, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(id)
}

func (m *Manager) statusLocked(id uuid.UUID) Status {
	st := Status{ID: id, RedirectTo: m.redirects[id], Rejected: m.rejects[id]}
	if s, ok := m.sessions[id]; ok {
		st.Active = true
		st.JoinedAt = s.joinedAt
		st.Locked = s.joining || !s.loaded || m.locked(id)
		st.Data = append([]byte(nil), s.data...)
	}
	return st
}

// List returns the status of every session, ordered by identity.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, m.statusLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (m *Manager) locked(id uuid.UUID) bool {
	return m.rec == nil || m.rec.IsLocked(id)
}

func (m *Manager) ResourceHigh() int64 { return m.resourceHigh.Load() }

func (m *Manager) updateGauge() {
	n := 0
	for _, s := range m.sessions {
		if !s.joining {
			n++
		}
	}
	telemetry.ActiveSessions.Set(float64(n))
}
