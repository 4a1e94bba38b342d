package transport

import (
	"context"
	"sync"
)

// Bus is an in-process pub/sub hub. Each participant gets its own Endpoint.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
	drop func(channel string, data []byte) bool
}

type subscription struct {
	ep *Endpoint
	h  Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

// SetDropFunc installs a filter that discards frames for which it returns
// true, to simulate a lossy network.
func (b *Bus) SetDropFunc(f func(channel string, data []byte) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = f
}

// Endpoint returns a new Transport attached to the bus.
func (b *Bus) Endpoint() *Endpoint {
	return &Endpoint{bus: b}
}

func (b *Bus) publish(channel string, data []byte) {
	b.mu.RLock()
	if b.drop != nil && b.drop(channel, data) {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	// Handlers run without the bus lock so they may publish in turn.
	for _, s := range targets {
		if s.ep.isClosed() {
			continue
		}
		s.h(channel, append([]byte(nil), data...))
	}
}

func (b *Bus) add(channel string, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
}

func (b *Bus) remove(channel string, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], s)
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

// Endpoint is one participant's view of a Bus.
type Endpoint struct {
	bus *Bus

	mu     sync.Mutex
	closed bool
	subs   []func()
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	e.bus.publish(channel, data)
	return nil
}

func (e *Endpoint) Subscribe(ctx context.Context, channels []string, h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	s := &subscription{ep: e, h: h}
	for _, ch := range channels {
		e.bus.add(ch, s)
	}
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			for _, ch := range channels {
				e.bus.remove(ch, s)
			}
		})
	}
	e.subs = append(e.subs, unsubscribe)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	return nil
}
