package reconcile

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrsync/pkg/snapshot"
)

func TestForwardQueueFanOut(t *testing.T) {
	q := NewForwardQueue()
	id := uuid.New()
	q.Enqueue(id, "b", 10)
	q.Enqueue(id, "c", 20)

	if !q.Pending(id) {
		t.Fatalf("Pending = false, want true")
	}

	sent := map[string]int64{}
	n := q.Fulfill(snapshot.Snapshot{Identity: id, Data: []byte("x")}, func(node string, txn int64, s snapshot.Snapshot) {
		if s.Identity != id {
			t.Fatalf("sent snapshot for %s, want %s", s.Identity, id)
		}
		sent[node] = txn
	})

	if n != 2 || len(sent) != 2 {
		t.Fatalf("Fulfill sent %d (%v), want 2", n, sent)
	}
	if sent["b"] != 10 || sent["c"] != 20 {
		t.Fatalf("txns = %v, want b:10 c:20", sent)
	}
	if q.Pending(id) || q.Len() != 0 {
		t.Fatalf("queue not empty after Fulfill")
	}
}

func TestForwardQueueFulfillIsOneShot(t *testing.T) {
	q := NewForwardQueue()
	id := uuid.New()
	q.Enqueue(id, "b", 1)

	calls := 0
	send := func(string, int64, snapshot.Snapshot) { calls++ }
	q.Fulfill(snapshot.Snapshot{Identity: id}, send)
	q.Fulfill(snapshot.Snapshot{Identity: id}, send)

	if calls != 1 {
		t.Fatalf("send called %d times, want 1", calls)
	}
}

func TestForwardQueueRepeatedRequestKeepsLatestTxn(t *testing.T) {
	q := NewForwardQueue()
	id := uuid.New()
	q.Enqueue(id, "b", 1)
	q.Enqueue(id, "b", 5)

	var got []int64
	q.Fulfill(snapshot.Snapshot{Identity: id}, func(_ string, txn int64, _ snapshot.Snapshot) {
		got = append(got, txn)
	})
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("sent txns %v, want [5]", got)
	}
}

func TestForwardQueueDrop(t *testing.T) {
	q := NewForwardQueue()
	id, other := uuid.New(), uuid.New()
	q.Enqueue(id, "b", 1)
	q.Enqueue(other, "b", 2)
	q.Drop(id)

	if q.Pending(id) {
		t.Fatalf("Pending after Drop")
	}
	if !q.Pending(other) {
		t.Fatalf("Drop removed an unrelated identity")
	}
}
