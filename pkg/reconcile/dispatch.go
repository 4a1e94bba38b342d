package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/gossip"
	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
)

// handle applies one inbound envelope. Runs on the loop.
func (s *Service) handle(channel string, env gossip.Envelope) {
	from := env.Sender.Name
	if env.Kind() != gossip.KindBye {
		if s.registry.MarkAlive(env.Sender, time.Now()) {
			s.log.Info("peer joined", zap.Stringer("peer", env.Sender))
			s.updateGauges()
		}
	}
	s.log.Debug("received", zap.Stringer("kind", env.Kind()), zap.String("from", from),
		zap.String("channel", channel), zap.Int64("txn", env.Txn))

	switch p := env.Payload.(type) {
	case gossip.Hello:
		// Only group announcements are answered, so two nodes do not keep
		// replying to each other.
		if channel != s.self.Name {
			s.send(from, env.Txn, gossip.Hello{})
		}

	case gossip.Bye:
		if s.registry.MarkGone(from) {
			s.log.Info("peer left", zap.String("peer", from))
			s.updateGauges()
		}

	case gossip.GetLastSeen:
		at, err := s.localLastSeen(context.Background(), p.Identity)
		if err != nil {
			s.log.Warn("read last seen", zap.Stringer("identity", p.Identity), zap.Error(err))
			return
		}
		s.send(from, env.Txn, gossip.LastSeen{Identity: p.Identity, At: snapshot.ToMillis(at)})

	case gossip.LastSeen:
		s.onLastSeen(from, p.Identity, snapshot.FromMillis(p.At), env.Txn)

	case gossip.GetData:
		s.onGetData(from, p.Identity, env.Txn)

	case gossip.Data:
		s.onData(from, p.Snapshot(), env.Txn)

	case gossip.IsOnline:
		s.log.Debug("identity still active on peer", zap.Stringer("identity", p.Identity), zap.String("peer", from))

	case gossip.CantGetData:
		s.onCantGetData(from, p.Identity, env.Txn)

	case gossip.ResourceCreated:
		if p.ID > s.resourceHigh {
			s.resourceHigh = p.ID
		}
		s.host.ResourceCreated(p.ID)

	default:
		s.log.Warn("unsupported message", zap.Stringer("kind", env.Kind()), zap.String("from", from))
	}
}

func (s *Service) onGetData(from string, id uuid.UUID, txn int64) {
	if s.host.IsActive(id) {
		// The snapshot is sent when the identity departs, either pushed to
		// the whole group or forwarded to the recorded requesters.
		if !s.policy.PushOnDepart {
			s.forwards.Enqueue(id, from, txn)
			s.updateGauges()
		}
		s.send(from, txn, gossip.IsOnline{Identity: id})
		return
	}
	s.serveStored(from, id, txn)
}

// serveStored answers a GET_DATA from the store: DATA when a snapshot is
// kept here, CANT_GET_DATA otherwise. The load runs off the loop.
func (s *Service) serveStored(from string, id uuid.UUID, txn int64) {
	if s.store == nil {
		s.send(from, txn, gossip.CantGetData{Identity: id})
		return
	}
	timeout := s.policy.QueryTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := s.store.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, snapshot.ErrNotFound) {
				s.log.Warn("load snapshot for peer", zap.Stringer("identity", id), zap.String("peer", from), zap.Error(err))
			}
			s.send(from, txn, gossip.CantGetData{Identity: id})
			return
		}
		s.send(from, txn, gossip.DataFrom(snap))
	}()
}

// onData accepts a snapshot for an identity being reconciled here, or a
// pushed snapshot newer than what this node has.
func (s *Service) onData(from string, snap snapshot.Snapshot, txn int64) {
	id := snap.Identity
	q := s.queries[id]
	f := s.fetches[id]

	switch {
	case f != nil:
		if from == f.node && txn < f.txn {
			telemetry.MessagesDropped.WithLabelValues("stale").Inc()
			return
		}
	case q != nil:
	default:
		if !s.policy.PushOnDepart {
			s.log.Debug("unsolicited DATA", zap.Stringer("identity", id), zap.String("from", from))
			return
		}
		local, err := s.localLastSeen(context.Background(), id)
		if err != nil {
			s.log.Warn("read last seen", zap.Stringer("identity", id), zap.Error(err))
			return
		}
		if !local.Before(snap.Taken) {
			s.log.Debug("pushed DATA not newer", zap.Stringer("identity", id), zap.String("from", from))
			return
		}
	}

	timeout := s.policy.QueryTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.host.Apply(ctx, snap)
		_ = s.post(context.Background(), func() { s.applied(from, id, q, f, err) })
	}()
}

// applied finishes whatever the snapshot was accepted for, unless a newer
// query or fetch replaced it meanwhile.
func (s *Service) applied(from string, id uuid.UUID, q *Query, f *fetch, err error) {
	current := false
	if q != nil && s.queries[id] == q {
		current = true
		if err != nil {
			s.finish(q, Result{Outcome: OutcomeFailed, Winner: from, Err: err})
		} else {
			s.finish(q, Result{Outcome: OutcomeApplied, Winner: from})
		}
	}
	if f != nil && s.fetches[id] == f {
		current = true
		s.endFetch(id)
	}
	if err != nil {
		s.log.Error("apply snapshot", zap.Stringer("identity", id), zap.String("from", from), zap.Error(err))
		if current {
			s.host.Reject(id, ReasonCantLoad)
		}
	}
}

// onCantGetData falls back to sending the client to the node that could not
// produce the snapshot.
func (s *Service) onCantGetData(from string, id uuid.UUID, txn int64) {
	if f, ok := s.fetches[id]; ok {
		if from == f.node && txn < f.txn {
			telemetry.MessagesDropped.WithLabelValues("stale").Inc()
			return
		}
		s.endFetch(id)
		s.host.Redirect(id, from)
		return
	}
	if q, ok := s.queries[id]; ok {
		if txn < q.Txn {
			telemetry.MessagesDropped.WithLabelValues("stale").Inc()
			return
		}
		s.finish(q, Result{Outcome: OutcomeRedirect, Winner: from})
		s.host.Redirect(id, from)
	}
}
