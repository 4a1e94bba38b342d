package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/gossip"
	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
)

// Depart is called by the host when an identity stops being active, with
// its final snapshot. If the identity was still being reconciled, the query
// or fetch is abandoned, its state must not be persisted, and Depart returns
// true. The stored last-seen is rolled back to what it was when the query
// started so the unreconciled visit never wins a later query.
//
// Otherwise the snapshot is pushed to the group or delivered to every node
// that asked for it while the identity was active.
func (s *Service) Depart(ctx context.Context, snap snapshot.Snapshot) (abandoned bool, err error) {
	return s.depart(ctx, snap.Identity, &snap)
}

// Release is Depart for an identity whose state never reached the host, so
// there is nothing newer than the store to hand over. Nothing is pushed;
// nodes waiting for a forward are served the stored snapshot instead.
func (s *Service) Release(ctx context.Context, id uuid.UUID) (abandoned bool, err error) {
	return s.depart(ctx, id, nil)
}

func (s *Service) depart(ctx context.Context, id uuid.UUID, snap *snapshot.Snapshot) (abandoned bool, err error) {
	var rollback *time.Time
	err = s.do(ctx, func() {
		var q *Query
		if cur, ok := s.queries[id]; ok {
			q = cur
			s.finish(cur, Result{Outcome: OutcomeAbandoned, Err: ErrDeparted})
		}
		if f, ok := s.fetches[id]; ok {
			q = f.query
			s.endFetch(id)
		}
		if q != nil {
			abandoned = true
			at := q.LocalLastSeen
			rollback = &at
			s.forwards.Drop(id)
			s.updateGauges()
			return
		}

		switch {
		case snap == nil:
			reqs := s.forwards.Take(id)
			for node, txn := range reqs {
				s.serveStored(node, id, txn)
			}
		case s.policy.PushOnDepart:
			s.send(s.self.GroupChannel(), s.nextTxn(), gossip.DataFrom(*snap))
		default:
			n := s.forwards.Fulfill(*snap, func(node string, txn int64, data snapshot.Snapshot) {
				s.send(node, txn, gossip.DataFrom(data))
			})
			if n > 0 {
				s.log.Debug("forwarded snapshot", zap.Stringer("identity", id), zap.Int("requesters", n))
			}
		}
		s.updateGauges()
	})
	if err != nil {
		return false, err
	}
	if rollback == nil || s.store == nil {
		return abandoned, nil
	}

	stored, err := s.store.LastSeen(ctx, id)
	if err != nil {
		return abandoned, fmt.Errorf("read last seen of %s: %w", id, err)
	}
	if stored.After(*rollback) {
		if err := s.store.SetLastSeen(ctx, id, *rollback); err != nil {
			return abandoned, fmt.Errorf("roll back last seen of %s: %w", id, err)
		}
	}
	return abandoned, nil
}

// Shutdown pushes the snapshot of every active identity to the group, says
// goodbye and waits until those messages are published. Queries started
// afterwards fail with ErrStopped.
func (s *Service) Shutdown(ctx context.Context) error {
	var active []uuid.UUID
	if err := s.do(ctx, func() {
		s.closing = true
		active = s.host.Active()
	}); err != nil {
		return err
	}

	for _, id := range active {
		snap, err := s.host.Capture(ctx, id)
		if err != nil {
			s.log.Warn("capture on shutdown", zap.Stringer("identity", id), zap.Error(err))
			continue
		}
		s.send(s.self.GroupChannel(), s.nextTxn(), gossip.DataFrom(snap))
	}
	s.send(s.self.GroupChannel(), s.nextTxn(), gossip.Bye{})
	s.log.Info("shutting down", zap.Int("pushed", len(active)))
	return s.flush(ctx)
}

// MarkGone removes a peer that vanished without saying goodbye.
func (s *Service) MarkGone(ctx context.Context, name string) error {
	return s.do(ctx, func() {
		if s.registry.MarkGone(name) {
			s.log.Info("peer lost", zap.String("peer", name))
			s.updateGauges()
		}
	})
}

// Discover marks the named nodes of this group alive, as if each had said
// HELLO. Used to seed the registry from an external membership list.
func (s *Service) Discover(ctx context.Context, names []string) error {
	return s.do(ctx, func() {
		now := time.Now()
		for _, name := range names {
			if s.registry.MarkAlive(gossip.NodeID{Group: s.self.Group, Name: name}, now) {
				s.log.Info("peer discovered", zap.String("peer", name))
			}
		}
		s.updateGauges()
	})
}

// AnnounceResource tells the group that a resource with id was created here.
func (s *Service) AnnounceResource(ctx context.Context, id int64) error {
	return s.do(ctx, func() {
		if id > s.resourceHigh {
			s.resourceHigh = id
		}
		s.send(s.self.GroupChannel(), s.nextTxn(), gossip.ResourceCreated{ID: id})
	})
}

// Reconfigure replaces the policy. Running queries keep their timers.
func (s *Service) Reconfigure(ctx context.Context, p Policy) error {
	if p.QueryTimeout <= 0 {
		p.QueryTimeout = DefaultPolicy().QueryTimeout
	}
	return s.do(ctx, func() {
		s.policy = p
		s.log.Info("policy updated",
			zap.Strings("mandatory", p.MandatoryPeers),
			zap.Duration("timeout", p.QueryTimeout),
			zap.Bool("permit_alone", p.PermitAlone),
			zap.Bool("apply_timed_out", p.ApplyTimedOutQueries),
			zap.Bool("query_data", p.QueryData),
			zap.Bool("push_on_depart", p.PushOnDepart))
	})
}

type Status struct {
	Self            gossip.NodeID
	Peers           []gossip.Member
	ActiveQueries   []uuid.UUID
	PendingFetches  []uuid.UUID
	PendingForwards int
	ResourceHigh    int64
	Policy          Policy
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() {
		st = Status{
			Self:            s.self,
			Peers:           s.registry.Members(),
			PendingForwards: s.forwards.Len(),
			ResourceHigh:    s.resourceHigh,
			Policy:          s.policy,
		}
		for id := range s.queries {
			st.ActiveQueries = append(st.ActiveQueries, id)
		}
		for id := range s.fetches {
			st.PendingFetches = append(st.PendingFetches, id)
		}
	})
	if err != nil {
		return Status{}, err
	}
	return st, nil
}
