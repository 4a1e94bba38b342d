// Package discovery registers nodes in etcd under a lease and reports nodes
// whose lease expired, which is how a crashed node (one that never sent BYE)
// leaves the registry of its peers.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func nodesPrefix(prefix, group string) string {
	return strings.TrimRight(prefix, "/") + "/nodes/" + group + "/"
}

// RegisterNode puts <prefix>/nodes/<group>/<name> = addr under a lease of ttl
// seconds and keeps the lease alive until cancel is called or ctx ends.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix, group, name, addr string, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	key := nodesPrefix(prefix, group) + name
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", key, err)
	}

	kctx, cancel := context.WithCancel(ctx)
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keep alive: %w", err)
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			log.Warn("registration lease lost", zap.String("key", key))
		}
	}()
	return lease.ID, cancel, nil
}

// Peers lists the names registered in group.
func Peers(ctx context.Context, cli *clientv3.Client, prefix, group string) (map[string]string, error) {
	p := nodesPrefix(prefix, group)
	resp, err := cli.Get(ctx, p, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), p)] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers calls onGone with the name of every node of group whose
// registration disappears, until ctx ends. A compacted or broken watch is
// re-established from the last seen revision.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix, group string, onGone func(name string), log *zap.Logger) {
	p := nodesPrefix(prefix, group)
	var rev int64
	for ctx.Err() == nil {
		opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithFilterPut()}
		if rev > 0 {
			opts = append(opts, clientv3.WithRev(rev+1))
		}
		for resp := range cli.Watch(clientv3.WithRequireLeader(ctx), p, opts...) {
			if err := resp.Err(); err != nil {
				log.Warn("peer watch", zap.Error(err))
				if resp.CompactRevision > rev {
					rev = resp.CompactRevision - 1
				}
				break
			}
			for _, ev := range resp.Events {
				rev = ev.Kv.ModRevision
				if ev.Type == mvccpb.DELETE {
					onGone(strings.TrimPrefix(string(ev.Kv.Key), p))
				}
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}
