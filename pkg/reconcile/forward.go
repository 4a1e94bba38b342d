package reconcile

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
)

// SendFunc delivers a snapshot to one requesting node, tagged with the
// transaction id of that node's request.
type SendFunc func(node string, txn int64, s snapshot.Snapshot)

// ForwardQueue remembers which nodes asked for an identity's snapshot while
// it was still active here, so the snapshot captured at departure can be sent
// to all of them once.
type ForwardQueue struct {
	mu      sync.Mutex
	pending map[uuid.UUID]map[string]int64
}

func NewForwardQueue() *ForwardQueue {
	return &ForwardQueue{pending: make(map[uuid.UUID]map[string]int64)}
}

// Enqueue records a request. A repeated request from the same node replaces
// the earlier transaction id.
func (f *ForwardQueue) Enqueue(id uuid.UUID, node string, txn int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs, ok := f.pending[id]
	if !ok {
		reqs = make(map[string]int64)
		f.pending[id] = reqs
	}
	reqs[node] = txn
}

// Pending reports whether any node waits for id.
func (f *ForwardQueue) Pending(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[id]) > 0
}

// Len is the number of identities with waiting requesters.
func (f *ForwardQueue) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Fulfill drains every requester of s.Identity and sends each the snapshot
// with its own transaction id. It returns the number of sends.
func (f *ForwardQueue) Fulfill(s snapshot.Snapshot, send SendFunc) int {
	reqs := f.Take(s.Identity)
	for node, txn := range reqs {
		send(node, txn, s)
	}
	return len(reqs)
}

// Take drains the requesters of id, keyed by node with their transaction ids.
func (f *ForwardQueue) Take(id uuid.UUID) map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.pending[id]
	delete(f.pending, id)
	return reqs
}

// Drop forgets every requester of id without sending anything.
func (f *ForwardQueue) Drop(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, id)
}
