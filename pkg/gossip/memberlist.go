package gossip

import (
	"sort"
	"time"
)

// Member is a peer the local node has heard from.
type Member struct {
	ID        NodeID
	LastHeard time.Time
}

// Registry tracks the peers currently believed alive, keyed by node name.
// It is not safe for concurrent use; the reconcile loop owns it.
type Registry struct {
	self  string
	peers map[string]Member
}

func NewRegistry(self NodeID) *Registry {
	return &Registry{self: self.Name, peers: make(map[string]Member)}
}

// MarkAlive records id as alive and reports whether it was previously unknown.
// The local node is never added.
func (r *Registry) MarkAlive(id NodeID, at time.Time) bool {
	if id.Name == "" || id.Name == r.self {
		return false
	}
	_, known := r.peers[id.Name]
	r.peers[id.Name] = Member{ID: id, LastHeard: at}
	return !known
}

// MarkGone removes the named peer and reports whether it was known.
func (r *Registry) MarkGone(name string) bool {
	if _, ok := r.peers[name]; !ok {
		return false
	}
	delete(r.peers, name)
	return true
}

func (r *Registry) Contains(name string) bool {
	_, ok := r.peers[name]
	return ok
}

// ContainsAll reports whether every name in required is a known peer.
func (r *Registry) ContainsAll(required []string) bool {
	for _, name := range required {
		if !r.Contains(name) {
			return false
		}
	}
	return true
}

func (r *Registry) IsAlone() bool { return len(r.peers) == 0 }

func (r *Registry) Len() int { return len(r.peers) }

// Names returns the known peer names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.peers))
	for name := range r.peers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Members returns a copy of the known peers sorted by name.
func (r *Registry) Members() []Member {
	out := make([]Member, 0, len(r.peers))
	for _, m := range r.peers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Name < out[j].ID.Name })
	return out
}
