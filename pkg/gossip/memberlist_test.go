package gossip

import (
	"slices"
	"testing"
	"time"
)

func TestRegistryNeverContainsSelf(t *testing.T) {
	self := NodeID{Group: "g", Name: "a"}
	r := NewRegistry(self)

	if r.MarkAlive(self, time.Now()) {
		t.Fatalf("MarkAlive(self) = true, want false")
	}
	if !r.IsAlone() {
		t.Fatalf("registry should still be alone")
	}
}

func TestRegistryMarkAliveAndGone(t *testing.T) {
	r := NewRegistry(NodeID{Group: "g", Name: "a"})
	b := NodeID{Group: "g", Name: "b"}
	c := NodeID{Group: "other", Name: "c"}

	if !r.MarkAlive(b, time.Unix(1, 0)) {
		t.Fatalf("first MarkAlive(b) should report new")
	}
	if r.MarkAlive(b, time.Unix(2, 0)) {
		t.Fatalf("second MarkAlive(b) should not report new")
	}
	r.MarkAlive(c, time.Unix(3, 0))

	if got, want := r.Names(), []string{"b", "c"}; !slices.Equal(got, want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	if m := r.Members()[0]; !m.LastHeard.Equal(time.Unix(2, 0)) {
		t.Fatalf("LastHeard(b) = %v, want refreshed time", m.LastHeard)
	}

	if !r.MarkGone("b") {
		t.Fatalf("MarkGone(b) = false, want true")
	}
	if r.MarkGone("b") {
		t.Fatalf("MarkGone(b) twice should report false")
	}
	if r.Len() != 1 || !r.Contains("c") {
		t.Fatalf("registry = %v, want only c", r.Names())
	}
}

func TestRegistryContainsAll(t *testing.T) {
	r := NewRegistry(NodeID{Group: "g", Name: "a"})
	r.MarkAlive(NodeID{Group: "g", Name: "b"}, time.Now())

	if !r.ContainsAll(nil) {
		t.Fatalf("ContainsAll(nil) = false, want true")
	}
	if !r.ContainsAll([]string{"b"}) {
		t.Fatalf("ContainsAll(b) = false, want true")
	}
	if r.ContainsAll([]string{"b", "c"}) {
		t.Fatalf("ContainsAll(b,c) = true, want false")
	}
}

func TestNodeIDChannels(t *testing.T) {
	n := NodeID{Group: "lobby", Name: "node1"}
	want := []string{"*", "group:lobby", "node1"}
	if got := n.Channels(); !slices.Equal(got, want) {
		t.Fatalf("Channels = %v, want %v", got, want)
	}
	for _, ch := range want {
		if !n.Addressed(ch) {
			t.Fatalf("Addressed(%q) = false", ch)
		}
	}
	if n.Addressed("group:other") || n.Addressed("node2") {
		t.Fatalf("Addressed accepted a foreign channel")
	}
}
