package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrsync/internal/config"
	"github.com/ryandielhenn/zephyrsync/internal/logging"
	"github.com/ryandielhenn/zephyrsync/pkg/gossip"
	"github.com/ryandielhenn/zephyrsync/pkg/reconcile"
	"github.com/ryandielhenn/zephyrsync/pkg/session"
)

type fakeSessions struct {
	status  map[uuid.UUID]session.Status
	joinErr error
	actErr  error
	left    []uuid.UUID
	acted   []byte
}

func (f *fakeSessions) Join(_ context.Context, id uuid.UUID) (session.Status, error) {
	if f.joinErr != nil {
		return session.Status{}, f.joinErr
	}
	st := session.Status{ID: id, Active: true, Locked: true}
	f.status[id] = st
	return st, nil
}

func (f *fakeSessions) Leave(_ context.Context, id uuid.UUID) error {
	if _, ok := f.status[id]; !ok {
		return session.ErrNotActive
	}
	f.left = append(f.left, id)
	return nil
}

func (f *fakeSessions) Act(_ uuid.UUID, data []byte) error {
	if f.actErr != nil {
		return f.actErr
	}
	f.acted = data
	return nil
}

func (f *fakeSessions) Status(id uuid.UUID) session.Status {
	if st, ok := f.status[id]; ok {
		return st
	}
	return session.Status{ID: id}
}

func (f *fakeSessions) List() []session.Status {
	out := make([]session.Status, 0, len(f.status))
	for _, st := range f.status {
		out = append(out, st)
	}
	return out
}

func (f *fakeSessions) ResourceHigh() int64 { return 3 }

type fakeRec struct {
	policy reconcile.Policy
}

func (f *fakeRec) Status(context.Context) (reconcile.Status, error) {
	return reconcile.Status{
		Self:         gossip.NodeID{Group: "g", Name: "a"},
		Peers:        []gossip.Member{{ID: gossip.NodeID{Group: "g", Name: "b"}, LastHeard: time.Now()}},
		ResourceHigh: 7,
	}, nil
}

func (f *fakeRec) Reconfigure(_ context.Context, p reconcile.Policy) error {
	f.policy = p
	return nil
}

func newTestNode(t *testing.T, load Loader) (*Node, *fakeSessions, *fakeRec) {
	t.Helper()
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log := logging.Wrap(zap.NewNop(), level)
	s := &fakeSessions{status: make(map[uuid.UUID]session.Status)}
	rec := &fakeRec{}
	cfg := config.Config{NodeName: "a", Group: "g", HTTPAddr: ":9090", QueryTimeout: time.Second}
	return NewNode(cfg, s, rec, log, load), s, rec
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	n, _, _ := newTestNode(t, nil)
	rec := do(t, n.Routes(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestInfo(t *testing.T) {
	n, _, _ := newTestNode(t, nil)
	rec := do(t, n.Routes(), http.MethodGet, "/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("info = %d", rec.Code)
	}
	var got struct {
		Node         string `json:"node"`
		ResourceHigh int64  `json:"resource_high"`
		Peers        []struct {
			Name string `json:"name"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Node != "a" || len(got.Peers) != 1 || got.Peers[0].Name != "b" || got.ResourceHigh != 7 {
		t.Fatalf("info = %+v", got)
	}
}

func TestJoin(t *testing.T) {
	id := uuid.New().String()
	tests := []struct {
		name    string
		path    string
		joinErr error
		want    int
	}{
		{"locked", "/sessions/" + id + "/join", nil, http.StatusAccepted},
		{"bad id", "/sessions/nope/join", nil, http.StatusBadRequest},
		{"alone", "/sessions/" + id + "/join", reconcile.ErrAlone, http.StatusServiceUnavailable},
		{"missing peers", "/sessions/" + id + "/join", reconcile.ErrMissingPeers, http.StatusServiceUnavailable},
		{"other", "/sessions/" + id + "/join", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, s, _ := newTestNode(t, nil)
			s.joinErr = tt.joinErr
			rec := do(t, n.Routes(), http.MethodPost, tt.path, "")
			if rec.Code != tt.want {
				t.Fatalf("join = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAct(t *testing.T) {
	path := "/sessions/" + uuid.New().String() + "/act"
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusNoContent},
		{"locked", session.ErrLocked, http.StatusLocked},
		{"not active", session.ErrNotActive, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, s, _ := newTestNode(t, nil)
			s.actErr = tt.err
			rec := do(t, n.Routes(), http.MethodPost, path, "payload")
			if rec.Code != tt.want {
				t.Fatalf("act = %d, want %d", rec.Code, tt.want)
			}
			if tt.err == nil && string(s.acted) != "payload" {
				t.Fatalf("acted = %q, want payload", s.acted)
			}
		})
	}
}

func TestLeaveAndStatus(t *testing.T) {
	n, s, _ := newTestNode(t, nil)
	h := n.Routes()
	id := uuid.New()

	if rec := do(t, h, http.MethodPost, "/sessions/"+id.String()+"/leave", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("leave unknown = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/sessions/"+id.String(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status unknown = %d, want 404", rec.Code)
	}

	s.status[id] = session.Status{ID: id, RedirectTo: "10.0.0.2"}
	rec := do(t, h, http.MethodGet, "/sessions/"+id.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := "http://10.0.0.2:9090/sessions/" + id.String(); got.RedirectURL != want {
		t.Fatalf("redirect_url = %q, want %q", got.RedirectURL, want)
	}

	if rec := do(t, h, http.MethodPost, "/sessions/"+id.String()+"/leave", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("leave = %d, want 204", rec.Code)
	}
}

func TestReload(t *testing.T) {
	load := func() (config.Config, error) {
		return config.Config{
			NodeName:      "a",
			Group:         "other",
			HTTPAddr:      ":9090",
			QueryTimeout:  3 * time.Second,
			ApplyTimedOut: true,
			Debug:         true,
		}, nil
	}
	n, _, rec := newTestNode(t, load)
	resp := do(t, n.Routes(), http.MethodPost, "/admin/reload", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", resp.Code, resp.Body.String())
	}
	if rec.policy.QueryTimeout != 3*time.Second || !rec.policy.ApplyTimedOutQueries {
		t.Fatalf("policy not applied: %+v", rec.policy)
	}
	if !n.log.Debugging() {
		t.Fatal("debug not enabled by reload")
	}
	if cfg := n.Config(); cfg.Group != "g" || cfg.QueryTimeout != 3*time.Second {
		t.Fatalf("config after reload = %+v", cfg)
	}
	var body struct {
		Restart []string `json:"restart_required"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Restart) != 1 || body.Restart[0] != "SYNC_GROUP" {
		t.Fatalf("restart_required = %v", body.Restart)
	}
}

func TestDebugToggle(t *testing.T) {
	n, _, _ := newTestNode(t, nil)
	h := n.Routes()
	if rec := do(t, h, http.MethodPost, "/admin/debug?enabled=true", ""); rec.Code != http.StatusOK {
		t.Fatalf("debug = %d", rec.Code)
	}
	if !n.log.Debugging() {
		t.Fatal("debug not enabled")
	}
	if rec := do(t, h, http.MethodPost, "/admin/debug?enabled=maybe", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad flag = %d, want 400", rec.Code)
	}
}

func TestNormalizeHostPort(t *testing.T) {
	tests := []struct{ in, want string }{
		{"node3", "node3:8080"},
		{"http://node3:9000", "node3:9000"},
		{"https://node3", "node3:8080"},
		{"10.0.0.1:7000", "10.0.0.1:7000"},
	}
	for _, tt := range tests {
		if got := NormalizeHostPort(tt.in, "8080"); got != tt.want {
			t.Errorf("NormalizeHostPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
