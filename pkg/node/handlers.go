package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/reconcile"
	"github.com/ryandielhenn/zephyrsync/pkg/session"
)

// maxBody bounds the state a client can upload in one request.
const maxBody = 4 << 20

type sessionResponse struct {
	session.Status
	RedirectURL string `json:"redirect_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid identity", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (n *Node) response(st session.Status) sessionResponse {
	return sessionResponse{Status: st, RedirectURL: n.redirectURL(st.RedirectTo, st.ID.String())}
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info reports the process, the cluster view and the local sessions.
func (n *Node) Info(w http.ResponseWriter, r *http.Request) {
	st, err := n.rec.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	type peer struct {
		Name      string    `json:"name"`
		Group     string    `json:"group"`
		LastHeard time.Time `json:"last_heard"`
	}
	type resp struct {
		PID             int              `json:"pid"`
		Now             time.Time        `json:"now"`
		Node            string           `json:"node"`
		Group           string           `json:"group"`
		Peers           []peer           `json:"peers"`
		ActiveQueries   int              `json:"active_queries"`
		PendingFetches  int              `json:"pending_fetches"`
		PendingForwards int              `json:"pending_forwards"`
		ResourceHigh    int64            `json:"resource_high"`
		Sessions        []session.Status `json:"sessions"`
		Debug           bool             `json:"debug"`
	}
	out := resp{
		PID:             os.Getpid(),
		Now:             time.Now(),
		Node:            st.Self.Name,
		Group:           st.Self.Group,
		Peers:           make([]peer, 0, len(st.Peers)),
		ActiveQueries:   len(st.ActiveQueries),
		PendingFetches:  len(st.PendingFetches),
		PendingForwards: st.PendingForwards,
		ResourceHigh:    max(st.ResourceHigh, n.sessions.ResourceHigh()),
		Sessions:        n.sessions.List(),
		Debug:           n.log.Debugging(),
	}
	for _, m := range st.Peers {
		out.Peers = append(out.Peers, peer{Name: m.ID.Name, Group: m.ID.Group, LastHeard: m.LastHeard})
	}
	writeJSON(w, http.StatusOK, out)
}

// Join activates a session. 202 while its state is being reconciled.
func (n *Node) Join(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := n.sessions.Join(r.Context(), id)
	switch {
	case errors.Is(err, reconcile.ErrAlone),
		errors.Is(err, reconcile.ErrMissingPeers),
		errors.Is(err, reconcile.ErrNoTransport),
		errors.Is(err, reconcile.ErrStopped):
		n.log.Warn("join refused", zap.Stringer("identity", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		n.log.Error("join", zap.Stringer("identity", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if st.Locked {
		code = http.StatusAccepted
	}
	writeJSON(w, code, n.response(st))
}

func (n *Node) Leave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := n.sessions.Leave(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotActive):
		http.NotFound(w, r)
		return
	case err != nil:
		n.log.Error("leave", zap.Stringer("identity", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Act replaces the session state with the request body.
func (n *Node) Act(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = n.sessions.Act(id, data)
	switch {
	case errors.Is(err, session.ErrLocked):
		http.Error(w, "state is being loaded, try again shortly", http.StatusLocked)
		return
	case errors.Is(err, session.ErrNotActive):
		http.NotFound(w, r)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) Session(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st := n.sessions.Status(id)
	if !st.Active && st.RedirectTo == "" && st.Rejected == "" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, n.response(st))
}

// Reload re-reads the environment and applies the runtime policy.
func (n *Node) Reload(w http.ResponseWriter, r *http.Request) {
	next, err := n.load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.rec.Reconfigure(r.Context(), next.Policy()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	n.log.SetDebug(next.Debug)

	n.mu.Lock()
	restart := n.cfg.Restart(next)
	// Settings that need a restart keep their running values.
	applied := n.cfg
	applied.MandatoryPeers = next.MandatoryPeers
	applied.QueryTimeout = next.QueryTimeout
	applied.PermitAlone = next.PermitAlone
	applied.ApplyTimedOut = next.ApplyTimedOut
	applied.QueryData = next.QueryData
	applied.PushOnDepart = next.PushOnDepart
	applied.Debug = next.Debug
	n.cfg = applied
	n.mu.Unlock()

	if len(restart) > 0 {
		n.log.Warn("reloaded settings need a restart", zap.Strings("settings", restart))
	}
	n.log.Info("configuration reloaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":           applied.Policy(),
		"debug":            applied.Debug,
		"restart_required": restart,
	})
}

// Debug switches debug logging: POST /admin/debug?enabled=true
func (n *Node) Debug(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "invalid enabled", http.StatusBadRequest)
		return
	}
	n.log.SetDebug(on)
	n.mu.Lock()
	n.cfg.Debug = on
	n.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"debug": on})
}
