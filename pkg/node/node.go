package node

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrsync/internal/config"
	"github.com/ryandielhenn/zephyrsync/internal/logging"
	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/reconcile"
	"github.com/ryandielhenn/zephyrsync/pkg/session"
)

// Sessions is the session table served over HTTP.
type Sessions interface {
	Join(ctx context.Context, id uuid.UUID) (session.Status, error)
	Leave(ctx context.Context, id uuid.UUID) error
	Act(id uuid.UUID, data []byte) error
	Status(id uuid.UUID) session.Status
	List() []session.Status
	ResourceHigh() int64
}

type Reconciler interface {
	Status(ctx context.Context) (reconcile.Status, error)
	Reconfigure(ctx context.Context, p reconcile.Policy) error
}

// Loader re-reads configuration for /admin/reload.
type Loader func() (config.Config, error)

type Node struct {
	sessions Sessions
	rec      Reconciler
	log      *logging.Logger
	load     Loader
	port     string

	mu  sync.Mutex
	cfg config.Config
}

func NewNode(cfg config.Config, sessions Sessions, rec Reconciler, log *logging.Logger, load Loader) *Node {
	if load == nil {
		load = config.Load
	}
	port := "8080"
	if _, p, err := net.SplitHostPort(cfg.HTTPAddr); err == nil && p != "" {
		port = p
	}
	return &Node{
		sessions: sessions,
		rec:      rec,
		log:      log,
		load:     load,
		port:     port,
		cfg:      cfg,
	}
}

func (n *Node) Config() config.Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// Routes wires every endpoint of the node.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	mux.Handle("POST /sessions/{id}/join", telemetry.Instrument("join", http.HandlerFunc(n.Join)))
	mux.Handle("POST /sessions/{id}/leave", telemetry.Instrument("leave", http.HandlerFunc(n.Leave)))
	mux.Handle("POST /sessions/{id}/act", telemetry.Instrument("act", http.HandlerFunc(n.Act)))
	mux.Handle("GET /sessions/{id}", telemetry.Instrument("status", http.HandlerFunc(n.Session)))

	mux.Handle("POST /admin/reload", telemetry.Instrument("reload", http.HandlerFunc(n.Reload)))
	mux.Handle("POST /admin/debug", telemetry.Instrument("debug", http.HandlerFunc(n.Debug)))
	return mux
}
