package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrsync/pkg/gossip"
	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

const (
	group       = "g"
	waitTimeout = 2 * time.Second
)

// fakeHost records what the service asks of the session layer.
type fakeHost struct {
	mu        sync.Mutex
	active    map[uuid.UUID]snapshot.Snapshot
	applied   []snapshot.Snapshot
	redirects map[uuid.UUID]string
	rejects   map[uuid.UUID]string
	resources []int64
	applyErr  error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		active:    make(map[uuid.UUID]snapshot.Snapshot),
		redirects: make(map[uuid.UUID]string),
		rejects:   make(map[uuid.UUID]string),
	}
}

func (h *fakeHost) activate(s snapshot.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[s.Identity] = s
}

func (h *fakeHost) IsActive(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.active[id]
	return ok
}

func (h *fakeHost) Active() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	return ids
}

func (h *fakeHost) Capture(_ context.Context, id uuid.UUID) (snapshot.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.active[id]
	if !ok {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}
	return s, nil
}

func (h *fakeHost) Apply(_ context.Context, s snapshot.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applyErr != nil {
		return h.applyErr
	}
	h.applied = append(h.applied, s)
	return nil
}

func (h *fakeHost) Redirect(id uuid.UUID, node string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redirects[id] = node
}

func (h *fakeHost) Reject(id uuid.UUID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejects[id] = reason
}

func (h *fakeHost) ResourceCreated(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resources = append(h.resources, id)
}

func (h *fakeHost) redirect(id uuid.UUID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.redirects[id]
}

func (h *fakeHost) reject(id uuid.UUID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rejects[id]
}

func (h *fakeHost) appliedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.applied)
}

type received struct {
	channel string
	env     gossip.Envelope
}

// peer is a scripted node speaking the wire protocol directly on the bus.
type peer struct {
	t  *testing.T
	id gossip.NodeID
	ep *transport.Endpoint

	mu       sync.Mutex
	got      []received
	lastSeen map[uuid.UUID]int64 // answered automatically when set
}

func newPeer(t *testing.T, ctx context.Context, bus *transport.Bus, name string) *peer {
	t.Helper()
	p := &peer{
		t:        t,
		id:       gossip.NodeID{Group: group, Name: name},
		ep:       bus.Endpoint(),
		lastSeen: make(map[uuid.UUID]int64),
	}
	if err := p.ep.Subscribe(ctx, p.id.Channels(), p.receive); err != nil {
		t.Fatalf("subscribe %s: %v", name, err)
	}
	t.Cleanup(func() { _ = p.ep.Close() })
	return p
}

func (p *peer) receive(channel string, frame []byte) {
	env, err := gossip.Decode(frame)
	if err != nil || env.Sender.Name == p.id.Name {
		return
	}
	p.mu.Lock()
	p.got = append(p.got, received{channel: channel, env: env})
	req, isReq := env.Payload.(gossip.GetLastSeen)
	at, answer := int64(0), false
	if isReq {
		at, answer = p.lastSeen[req.Identity]
	}
	p.mu.Unlock()

	if answer {
		p.send(env.Sender.Name, env.Txn, gossip.LastSeen{Identity: req.Identity, At: at})
	}
}

func (p *peer) answerLastSeen(id uuid.UUID, ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen[id] = ms
}

func (p *peer) send(channel string, txn int64, payload gossip.Payload) {
	p.t.Helper()
	frame, err := gossip.Encode(gossip.Envelope{
		Sender:  p.id,
		Version: gossip.ProtocolVersion,
		Txn:     txn,
		Payload: payload,
	})
	if err != nil {
		p.t.Errorf("encode: %v", err)
		return
	}
	if err := p.ep.Publish(context.Background(), channel, frame); err != nil {
		p.t.Errorf("publish: %v", err)
	}
}

func (p *peer) hello() { p.send(p.id.GroupChannel(), 1, gossip.Hello{}) }

func (p *peer) find(kind gossip.Kind) (received, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.got {
		if r.env.Kind() == kind {
			return r, true
		}
	}
	return received{}, false
}

func (p *peer) count(kind gossip.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.got {
		if r.env.Kind() == kind {
			n++
		}
	}
	return n
}

func (p *peer) waitFor(kind gossip.Kind) received {
	p.t.Helper()
	var r received
	eventually(p.t, func() bool {
		var ok bool
		r, ok = p.find(kind)
		return ok
	}, "%s never received %v", p.id.Name, kind)
	return r
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type cluster struct {
	ctx   context.Context
	bus   *transport.Bus
	svc   *Service
	host  *fakeHost
	store *snapshot.MemoryStore
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.QueryTimeout = 250 * time.Millisecond
	return p
}

// newCluster runs a service named "a" on a fresh bus.
func newCluster(t *testing.T, policy Policy) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &cluster{
		ctx:   ctx,
		bus:   transport.NewBus(),
		host:  newFakeHost(),
		store: snapshot.NewMemoryStore(),
	}
	c.svc = New(Config{Self: gossip.NodeID{Group: group, Name: "a"}, Policy: policy},
		c.bus.Endpoint(), c.store, c.host, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- c.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(waitTimeout):
			t.Errorf("Run did not return")
		}
	})
	// Run subscribes before it serves events, so once this returns the
	// service hears every later frame.
	c.sync(t)
	return c
}

// join adds scripted peers and waits until the service knows them.
func (c *cluster) join(t *testing.T, names ...string) map[string]*peer {
	t.Helper()
	peers := make(map[string]*peer, len(names))
	for _, name := range names {
		p := newPeer(t, c.ctx, c.bus, name)
		p.hello()
		peers[name] = p
	}
	eventually(t, func() bool {
		st, err := c.svc.Status(c.ctx)
		return err == nil && len(st.Peers) == len(names)
	}, "registry never reached %d peers", len(names))
	return peers
}

func (c *cluster) setStoredLastSeen(t *testing.T, id uuid.UUID, ms int64) {
	t.Helper()
	if err := c.store.SetLastSeen(c.ctx, id, snapshot.FromMillis(ms)); err != nil {
		t.Fatalf("SetLastSeen: %v", err)
	}
}

func waitResult(t *testing.T, q *Query) Result {
	t.Helper()
	select {
	case <-q.Done():
		return q.Result()
	case <-time.After(waitTimeout):
		t.Fatalf("query for %s never completed", q.Identity)
		return Result{}
	}
}

// sync waits until the service loop has processed everything queued so far.
func (c *cluster) sync(t *testing.T) {
	t.Helper()
	if err := c.svc.do(c.ctx, func() {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}
