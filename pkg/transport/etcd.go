package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdConfig tunes the etcd-backed bus.
type EtcdConfig struct {
	Prefix     string        // key prefix, e.g. "/zephyrsync"
	Retention  time.Duration // how long a published frame stays in etcd
	MaxTries   uint          // publish attempts before giving up
	RewatchGap time.Duration // pause before re-establishing a dropped watch
}

func (c EtcdConfig) withDefaults() EtcdConfig {
	if c.Prefix == "" {
		c.Prefix = "/zephyrsync"
	}
	c.Prefix = strings.TrimRight(c.Prefix, "/")
	if c.Retention < 5*time.Second {
		c.Retention = 30 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.RewatchGap <= 0 {
		c.RewatchGap = time.Second
	}
	return c
}

// Etcd publishes a frame by writing it under <prefix>/bus/<channel>/<uuid>
// attached to a short lease, and subscribes by watching the channel prefix.
// Expired frames disappear with their lease; deletes are filtered out.
type Etcd struct {
	cli *clientv3.Client
	cfg EtcdConfig
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	lease     clientv3.LeaseID
	grantedAt time.Time
}

func NewEtcd(cli *clientv3.Client, cfg EtcdConfig, log *zap.Logger) *Etcd {
	ctx, cancel := context.WithCancel(context.Background())
	return &Etcd{
		cli:    cli,
		cfg:    cfg.withDefaults(),
		log:    log.Named("etcd-bus"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *Etcd) channelPrefix(channel string) string {
	return e.cfg.Prefix + "/bus/" + channel + "/"
}

// Publish retries with exponential backoff, so a reconnecting client does not
// lose the frame.
func (e *Etcd) Publish(ctx context.Context, channel string, data []byte) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	key := e.channelPrefix(channel) + uuid.NewString()
	op := func() (struct{}, error) {
		lease, err := e.leaseID(ctx)
		if err != nil {
			return struct{}{}, err
		}
		_, err = e.cli.Put(ctx, key, string(data), clientv3.WithLease(lease))
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			e.dropLease(lease)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(e.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Warn("publish failed, retrying",
				zap.String("channel", channel), zap.Duration("in", next), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("publish to %q: %w", channel, err)
	}
	return nil
}

// leaseID returns the lease new frames attach to. A lease is reused until half
// its TTL has passed so frames always outlive their publication by at least
// Retention/2.
func (e *Etcd) leaseID(ctx context.Context) (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != clientv3.NoLease && time.Since(e.grantedAt) < e.cfg.Retention/2 {
		return e.lease, nil
	}
	resp, err := e.cli.Grant(ctx, int64(e.cfg.Retention/time.Second))
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("grant lease: %w", err)
	}
	e.lease = resp.ID
	e.grantedAt = time.Now()
	return e.lease, nil
}

func (e *Etcd) dropLease(id clientv3.LeaseID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease == id {
		e.lease = clientv3.NoLease
	}
}

func (e *Etcd) Subscribe(ctx context.Context, channels []string, h Handler) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-e.ctx.Done():
		case <-ctx.Done():
		}
		cancel()
	}()
	for _, ch := range channels {
		e.wg.Add(1)
		go e.watch(ctx, ch, h)
	}
	return nil
}

// watch follows one channel, resuming from the last seen revision whenever the
// watch stream breaks.
func (e *Etcd) watch(ctx context.Context, channel string, h Handler) {
	defer e.wg.Done()
	prefix := e.channelPrefix(channel)
	var next int64

	for ctx.Err() == nil {
		opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithFilterDelete()}
		if next > 0 {
			opts = append(opts, clientv3.WithRev(next))
		}
		wch := e.cli.Watch(clientv3.WithRequireLeader(ctx), prefix, opts...)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				if resp.CompactRevision > 0 {
					next = resp.CompactRevision
				}
				e.log.Warn("watch interrupted", zap.String("channel", channel), zap.Error(err))
				break
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				h(channel, ev.Kv.Value)
				next = ev.Kv.ModRevision + 1
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RewatchGap):
		}
	}
}

// Close stops all watches and revokes the publishing lease.
func (e *Etcd) Close() error {
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	lease := e.lease
	e.lease = clientv3.NoLease
	e.mu.Unlock()
	if lease == clientv3.NoLease {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.cli.Revoke(ctx, lease); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}
