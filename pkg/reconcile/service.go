// Package reconcile decides, for an identity arriving on this node, which node
// in the group holds its freshest state, and drives the follow-up: continue
// locally, fetch the snapshot from the winner or send the client there.
//
// All protocol state (registry, active queries, pending fetches) is owned by
// a single goroutine started by Run. Public methods marshal onto it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/gossip"
	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

const queueSize = 1024

// Policy holds the settings that may change while the node runs.
type Policy struct {
	// MandatoryPeers must be known before a query starts and must answer
	// before it completes by quorum.
	MandatoryPeers []string
	QueryTimeout   time.Duration
	// PermitAlone lets queries start while no peer is known.
	PermitAlone bool
	// ApplyTimedOutQueries resolves a query that timed out without quorum
	// from the responses collected so far instead of failing it.
	ApplyTimedOutQueries bool
	// QueryData fetches the winner's snapshot; otherwise the client is
	// redirected to the winner.
	QueryData bool
	// PushOnDepart broadcasts the snapshot to the group when an identity
	// leaves instead of waiting for GET_DATA requests.
	PushOnDepart bool
}

func DefaultPolicy() Policy {
	return Policy{
		QueryTimeout: 10 * time.Second,
		PermitAlone:  true,
		QueryData:    true,
	}
}

type Config struct {
	Self gossip.NodeID
	Policy
}

// Host is the session layer the service reconciles for. Methods are called
// from the service goroutine and must not call back into the Service
// synchronously, except Apply and Capture which run on their own goroutine.
type Host interface {
	IsActive(id uuid.UUID) bool
	Active() []uuid.UUID
	// Capture returns the live state of an active identity.
	Capture(ctx context.Context, id uuid.UUID) (snapshot.Snapshot, error)
	// Apply merges a snapshot won from another node.
	Apply(ctx context.Context, s snapshot.Snapshot) error
	// Redirect sends the client of id to node.
	Redirect(id uuid.UUID, node string)
	// Reject refuses the identity on this node.
	Reject(id uuid.UUID, reason string)
	ResourceCreated(id int64)
}

type outbound struct {
	channel string
	env     gossip.Envelope
	flushed chan struct{} // set on flush markers only
}

type fetch struct {
	query *Query
	node  string
	txn   int64
	timer *time.Timer
}

type Service struct {
	self  gossip.NodeID
	tr    transport.Transport
	store snapshot.Store
	host  Host
	log   *zap.Logger

	// owned by the loop
	policy       Policy
	registry     *gossip.Registry
	queries      map[uuid.UUID]*Query
	fetches      map[uuid.UUID]*fetch
	resourceHigh int64
	closing      bool

	forwards *ForwardQueue
	txn      atomic.Int64
	events   chan func()
	out      chan outbound
	stopped  chan struct{}
	running  atomic.Bool

	lockMu sync.RWMutex
	locked map[uuid.UUID]struct{}
}

// New builds a service. A nil transport yields a service that refuses every
// query and reports every identity as locked.
func New(cfg Config, tr transport.Transport, store snapshot.Store, host Host, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultPolicy().QueryTimeout
	}
	s := &Service{
		self:     cfg.Self,
		tr:       tr,
		store:    store,
		host:     host,
		log:      log.Named("reconcile").With(zap.Stringer("node", cfg.Self)),
		policy:   cfg.Policy,
		registry: gossip.NewRegistry(cfg.Self),
		queries:  make(map[uuid.UUID]*Query),
		fetches:  make(map[uuid.UUID]*fetch),
		forwards: NewForwardQueue(),
		events:   make(chan func(), queueSize),
		out:      make(chan outbound, queueSize),
		stopped:  make(chan struct{}),
		locked:   make(map[uuid.UUID]struct{}),
	}
	s.txn.Store(time.Now().UnixNano())
	return s
}

func (s *Service) Self() gossip.NodeID { return s.self }

// Run subscribes to the node's channels, announces the node to its group and
// processes events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.tr == nil {
		return ErrNoTransport
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("reconcile: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		close(s.stopped)
	}()

	if err := s.tr.Subscribe(ctx, s.self.Channels(), s.receive(ctx)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()

	s.send(s.self.GroupChannel(), s.nextTxn(), gossip.Hello{})
	s.log.Info("started", zap.Strings("channels", s.self.Channels()))

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-ctx.Done():
			s.log.Info("stopped")
			return nil
		}
	}
}

func (s *Service) nextTxn() int64 { return s.txn.Add(1) }

// post queues fn for the loop without waiting for it to run.
func (s *Service) post(ctx context.Context, fn func()) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}
	select {
	case s.events <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// do runs fn on the loop and waits for it. Never call it from the loop.
func (s *Service) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.post(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// later runs fn on the loop after d.
func (s *Service) later(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		_ = s.post(context.Background(), fn)
	})
}

// send queues an envelope for the sender goroutine. It never blocks; when the
// queue is full the envelope is dropped like any other lost message.
func (s *Service) send(channel string, txn int64, p gossip.Payload) {
	o := outbound{
		channel: channel,
		env: gossip.Envelope{
			Sender:  s.self,
			Version: gossip.ProtocolVersion,
			Txn:     txn,
			Payload: p,
		},
	}
	select {
	case s.out <- o:
	default:
		telemetry.MessagesDropped.WithLabelValues("send_queue_full").Inc()
		s.log.Warn("send queue full, dropping", zap.Stringer("kind", p.Kind()), zap.String("to", channel))
	}
}

// flush waits until everything queued before it has been published.
func (s *Service) flush(ctx context.Context) error {
	marker := outbound{flushed: make(chan struct{})}
	select {
	case s.out <- marker:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

func (s *Service) sendLoop(ctx context.Context) {
	for {
		select {
		case o := <-s.out:
			if o.flushed != nil {
				close(o.flushed)
				continue
			}
			s.publish(ctx, o)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) publish(ctx context.Context, o outbound) {
	kind := o.env.Kind().String()
	frame, err := gossip.Encode(o.env)
	if err != nil {
		telemetry.MessagesDropped.WithLabelValues("encode").Inc()
		s.log.Error("encode", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := s.tr.Publish(ctx, o.channel, frame); err != nil {
		telemetry.MessagesDropped.WithLabelValues("publish").Inc()
		s.log.Warn("publish", zap.String("kind", kind), zap.String("to", o.channel), zap.Error(err))
		return
	}
	telemetry.MessagesSent.WithLabelValues(kind).Inc()
	s.log.Debug("sent", zap.String("kind", kind), zap.String("to", o.channel), zap.Int64("txn", o.env.Txn))
}

// receive decodes frames on the transport's goroutine and hands accepted
// envelopes to the loop.
func (s *Service) receive(ctx context.Context) transport.Handler {
	return func(channel string, frame []byte) {
		env, err := gossip.Decode(frame)
		if err != nil {
			telemetry.MessagesDropped.WithLabelValues(dropReason(err)).Inc()
			s.log.Warn("dropping frame", zap.String("channel", channel), zap.Error(err))
			return
		}
		if env.Sender.Name == s.self.Name || !s.self.Addressed(channel) {
			return
		}
		telemetry.MessagesReceived.WithLabelValues(env.Kind().String()).Inc()
		if err := s.post(ctx, func() { s.handle(channel, env) }); err != nil {
			telemetry.MessagesDropped.WithLabelValues("stopped").Inc()
		}
	}
}

func dropReason(err error) string {
	var ve *gossip.VersionError
	switch {
	case errors.As(err, &ve):
		return "version"
	case errors.Is(err, gossip.ErrTruncated):
		return "truncated"
	case errors.Is(err, gossip.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, gossip.ErrTooLarge):
		return "too_large"
	}
	return "malformed"
}

// localLastSeen is now for an identity active here, else the stored value.
func (s *Service) localLastSeen(ctx context.Context, id uuid.UUID) (time.Time, error) {
	if s.host != nil && s.host.IsActive(id) {
		return time.Now(), nil
	}
	if s.store == nil {
		return time.Time{}, nil
	}
	return s.store.LastSeen(ctx, id)
}

func (s *Service) updateGauges() {
	telemetry.ActiveQueries.Set(float64(len(s.queries)))
	telemetry.PendingFetches.Set(float64(len(s.fetches)))
	telemetry.PendingForwards.Set(float64(s.forwards.Len()))
	telemetry.KnownPeers.Set(float64(s.registry.Len()))
}
