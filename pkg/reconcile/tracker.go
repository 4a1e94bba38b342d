package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/gossip"
)

// StartQuery asks the group when id was last active and resolves the freshest
// node. It returns immediately; onComplete runs once, on its own goroutine,
// when the query resolves. If a query (or the fetch that followed it) is
// already in progress for id, that query is returned and onComplete is not
// registered.
func (s *Service) StartQuery(ctx context.Context, id uuid.UUID, onComplete func(Result)) (*Query, error) {
	if s.tr == nil {
		return nil, ErrNoTransport
	}
	var (
		q   *Query
		err error
	)
	if derr := s.do(ctx, func() { q, err = s.startQuery(ctx, id, onComplete) }); derr != nil {
		return nil, derr
	}
	return q, err
}

// ActiveQuery returns the unresolved query for id, if any.
func (s *Service) ActiveQuery(ctx context.Context, id uuid.UUID) (*Query, bool, error) {
	var q *Query
	if err := s.do(ctx, func() { q = s.queries[id] }); err != nil {
		return nil, false, err
	}
	return q, q != nil, nil
}

func (s *Service) startQuery(ctx context.Context, id uuid.UUID, onComplete func(Result)) (*Query, error) {
	if s.closing {
		return nil, ErrStopped
	}
	if q, ok := s.queries[id]; ok {
		s.log.Debug("query already running", zap.Stringer("identity", id))
		return q, nil
	}
	if f, ok := s.fetches[id]; ok {
		return f.query, nil
	}
	if s.registry.IsAlone() && !s.policy.PermitAlone {
		return nil, ErrAlone
	}
	if !s.registry.ContainsAll(s.policy.MandatoryPeers) {
		return nil, ErrMissingPeers
	}

	local, err := s.localLastSeen(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("local last seen of %s: %w", id, err)
	}
	q := newQuery(id, local, s.nextTxn(), time.Now(), onComplete)
	s.queries[id] = q
	s.syncLock(id)
	telemetry.QueriesStarted.Inc()
	s.updateGauges()

	s.log.Debug("query started",
		zap.Stringer("identity", id), zap.Int64("txn", q.Txn), zap.Time("local", local))
	if s.registry.IsAlone() {
		s.completeQuery(q, false)
		return q, nil
	}
	s.send(s.self.GroupChannel(), q.Txn, gossip.GetLastSeen{Identity: id})

	if s.answered(q) {
		s.completeQuery(q, false)
		return q, nil
	}
	q.timer = s.later(s.policy.QueryTimeout, func() { s.onQueryTimeout(q) })
	return q, nil
}

// onLastSeen records a response. Responses tagged with an older transaction
// than the active query belong to a superseded query and are ignored.
func (s *Service) onLastSeen(sender string, id uuid.UUID, at time.Time, txn int64) {
	q, ok := s.queries[id]
	if !ok || q.completed {
		return
	}
	if q.Txn > txn {
		telemetry.MessagesDropped.WithLabelValues("stale").Inc()
		s.log.Debug("stale LAST_SEEN", zap.String("from", sender), zap.Stringer("identity", id),
			zap.Int64("txn", txn), zap.Int64("want", q.Txn))
		return
	}
	q.addResponse(sender, at)
	if s.answered(q) {
		s.completeQuery(q, false)
	}
}

// answered reports whether every required node has responded. Every node in
// the registry at the time of a check becomes required for the rest of the
// query, so a node that leaves mid-query is still waited for.
func (s *Service) answered(q *Query) bool {
	for _, name := range s.registry.Names() {
		q.required[name] = struct{}{}
	}
	for _, name := range s.policy.MandatoryPeers {
		q.required[name] = struct{}{}
	}
	for name := range q.required {
		if _, ok := q.responses[name]; !ok {
			return false
		}
	}
	return true
}

func (s *Service) onQueryTimeout(q *Query) {
	if q.completed || s.queries[q.Identity] != q {
		return
	}
	s.log.Debug("query timed out", zap.Stringer("identity", q.Identity), zap.Int("responses", len(q.responses)))
	s.completeQuery(q, true)
}

// completeQuery resolves q from the responses it has.
func (s *Service) completeQuery(q *Query, timedOut bool) {
	if q.completed {
		return
	}
	q.stopTimer()

	if timedOut && !s.policy.ApplyTimedOutQueries && !s.answered(q) {
		s.finish(q, Result{Outcome: OutcomeFailed, TimedOut: true, Err: ErrQuorumTimeout})
		s.host.Reject(q.Identity, ReasonCantLoad)
		return
	}

	winner, remote := youngest(q.LocalLastSeen, q.responses)
	switch {
	case !remote:
		s.finish(q, Result{Outcome: OutcomeLocal, TimedOut: timedOut})
	case s.policy.QueryData:
		s.startFetch(q, winner)
		s.finish(q, Result{Outcome: OutcomeFetch, Winner: winner, TimedOut: timedOut})
	default:
		s.finish(q, Result{Outcome: OutcomeRedirect, Winner: winner, TimedOut: timedOut})
		s.host.Redirect(q.Identity, winner)
	}
}

// finish is the only place a query completes. It removes q from the active
// set, releases waiters and schedules onComplete.
func (s *Service) finish(q *Query, res Result) {
	if q.completed {
		return
	}
	q.completed = true
	q.stopTimer()

	res.Identity = q.Identity
	res.Txn = q.Txn
	res.Responses = len(q.responses)
	q.result = res

	if s.queries[q.Identity] == q {
		delete(s.queries, q.Identity)
	}
	s.syncLock(q.Identity)
	close(q.done)

	telemetry.QueriesCompleted.WithLabelValues(res.Outcome.String()).Inc()
	telemetry.QueryDuration.Observe(time.Since(q.CreatedAt).Seconds())
	s.updateGauges()

	log := s.log.With(zap.Stringer("identity", q.Identity), zap.Stringer("outcome", res.Outcome),
		zap.String("winner", res.Winner), zap.Int("responses", res.Responses))
	if res.Err != nil {
		log.Info("query failed", zap.Error(res.Err))
	} else {
		log.Debug("query completed")
	}

	if q.onComplete != nil {
		go q.onComplete(res)
	}
}

// startFetch asks the winner for the snapshot. The identity stays locked
// until DATA, CANT_GET_DATA or the timeout ends the fetch.
func (s *Service) startFetch(q *Query, node string) {
	f := &fetch{query: q, node: node, txn: q.Txn}
	s.fetches[q.Identity] = f
	s.syncLock(q.Identity)
	s.send(node, f.txn, gossip.GetData{Identity: q.Identity})
	f.timer = s.later(s.policy.QueryTimeout, func() { s.onFetchTimeout(f) })
	s.updateGauges()
}

func (s *Service) onFetchTimeout(f *fetch) {
	id := f.query.Identity
	if s.fetches[id] != f {
		return
	}
	s.endFetch(id)
	s.log.Warn("snapshot fetch timed out", zap.Stringer("identity", id), zap.String("from", f.node),
		zap.Error(ErrFetchTimeout))
	s.host.Reject(id, ReasonCantLoad)
}

func (s *Service) endFetch(id uuid.UUID) {
	f, ok := s.fetches[id]
	if !ok {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	delete(s.fetches, id)
	s.syncLock(id)
	s.updateGauges()
}
