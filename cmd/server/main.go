package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrsync/discovery"
	"github.com/ryandielhenn/zephyrsync/internal/config"
	"github.com/ryandielhenn/zephyrsync/internal/logging"
	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/node"
	"github.com/ryandielhenn/zephyrsync/pkg/reconcile"
	"github.com/ryandielhenn/zephyrsync/pkg/session"
	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

const (
	registrationTTL = 10 // seconds
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Local state: persisted snapshots and the live session table
	store, err := snapshot.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	sessions := session.NewManager(store, snapshot.NewCache(cfg.CacheBytes), cfg.QueryTimeout, log.Logger)

	// 2. Transport: etcd when configured, otherwise a node that is alone
	var (
		tr  transport.Transport
		cli *clientv3.Client
	)
	if len(cfg.EtcdEndpoints) > 0 {
		log.Info("connecting to etcd", zap.Strings("endpoints", cfg.EtcdEndpoints))
		c, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer c.Close()
		cli = c
		tr = transport.NewEtcd(c, transport.EtcdConfig{Prefix: cfg.EtcdPrefix}, log.Logger)
	} else {
		log.Warn("no etcd endpoints configured, running without peers")
		tr = transport.NewBus().Endpoint()
	}
	defer tr.Close()

	// 3. Reconciliation service, bound to the session table it serves
	svc := reconcile.New(reconcile.Config{Self: cfg.Self(), Policy: cfg.Policy()}, tr, store, sessions, log.Logger)
	sessions.Bind(svc)

	// 4. HTTP surface
	n := node.NewNode(cfg, sessions, svc, log, config.Load)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           n.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(runCtx)
	})

	// 5. Register with etcd and watch for peers whose lease expired
	if cli != nil {
		_, cancel, err := discovery.RegisterNode(gctx, cli, cfg.EtcdPrefix, cfg.Group, cfg.NodeName, cfg.HTTPAddr, registrationTTL, log.Logger)
		if err != nil {
			stopRun()
			return err
		}
		defer cancel()
		if peers, err := discovery.Peers(gctx, cli, cfg.EtcdPrefix, cfg.Group); err != nil {
			log.Warn("list registered peers", zap.Error(err))
		} else {
			names := make([]string, 0, len(peers))
			for name := range peers {
				names = append(names, name)
			}
			if err := svc.Discover(gctx, names); err != nil {
				log.Warn("seed peers", zap.Error(err))
			}
		}
		g.Go(func() error {
			discovery.WatchPeers(gctx, cli, cfg.EtcdPrefix, cfg.Group, func(name string) {
				if name == cfg.NodeName {
					return
				}
				if err := svc.MarkGone(gctx, name); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("mark peer gone", zap.String("peer", name), zap.Error(err))
				}
			}, log.Logger)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("node listening", zap.String("addr", cfg.HTTPAddr), zap.Stringer("node", cfg.Self()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		defer stopRun()

		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		if err := svc.Shutdown(sctx); err != nil && !errors.Is(err, reconcile.ErrStopped) {
			log.Warn("announce shutdown", zap.Error(err))
		}
		if err := sessions.Persist(sctx); err != nil {
			log.Error("persist sessions", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
