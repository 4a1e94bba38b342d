// Package transport moves encoded frames between nodes over named pub/sub
// channels. Delivery is at-least-once, unordered and best-effort; callers must
// tolerate duplicates, reordering and loss.
//
// Concrete implementations: Bus (in-process, for tests and single-host
// clusters) and Etcd (prefix watches on an etcd cluster).
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport: closed")

// Handler receives a frame published on channel. It may be called from any
// goroutine and must not block for long.
type Handler func(channel string, data []byte)

type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe delivers every frame later published on one of channels to h
	// until ctx is done or the transport is closed.
	Subscribe(ctx context.Context, channels []string, h Handler) error
	Close() error
}
