package snapshot

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func snap(id uuid.UUID, data string) Snapshot {
	return Snapshot{Identity: id, Data: []byte(data)}
}

func TestCachePutGetDelete_NoTTL(t *testing.T) {
	c := NewCache(1 << 20)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	vals := []string{"alpha", "beta", "gamma"}
	for i, id := range ids {
		c.Put(snap(id, vals[i]), 0)
	}

	if got := c.Len(); got != len(ids) {
		t.Fatalf("Len = %d, want %d", got, len(ids))
	}
	for i, id := range ids {
		got, ok := c.Get(id)
		if !ok {
			t.Fatalf("Get(%s) !ok", id)
		}
		if !bytes.Equal(got.Data, []byte(vals[i])) {
			t.Fatalf("Get(%s) = %q, want %q", id, got.Data, vals[i])
		}
	}

	if ok := c.Delete(ids[1]); !ok {
		t.Fatalf("Delete = false, want true")
	}
	if _, ok := c.Get(ids[1]); ok {
		t.Fatalf("Get ok after delete")
	}
}

func TestCacheOverwriteKeepsLen(t *testing.T) {
	c := NewCache(1 << 20)
	id := uuid.New()
	c.Put(snap(id, "one"), 0)
	c.Put(snap(id, "two"), 0)
	if got := c.Len(); got != 1 {
		t.Fatalf("Len after overwrite = %d, want 1", got)
	}
	v, ok := c.Get(id)
	if !ok || string(v.Data) != "two" {
		t.Fatalf("Get = %q,%v want two,true", v.Data, ok)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(1 << 20)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	short, forever := uuid.New(), uuid.New()
	c.Put(snap(short, "v"), 50*time.Millisecond)
	c.Put(snap(forever, "v2"), 0)
	if _, ok := c.Get(short); !ok {
		t.Fatalf("fresh entry with TTL should be readable")
	}

	now = now.Add(90 * time.Millisecond)
	if _, ok := c.Get(short); ok {
		t.Fatalf("expected entry to expire")
	}
	if _, ok := c.Get(forever); !ok {
		t.Fatalf("entry without TTL unexpectedly missing")
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len after expiry = %d, want 1", got)
	}
}

func TestCacheEvictionByCapacity_LRU(t *testing.T) {
	// Each entry costs 16 bytes of identity plus its data.
	c := NewCache(3*16 + 9)

	a, b, d := uuid.New(), uuid.New(), uuid.New()
	c.Put(snap(a, "1234"), 0)
	c.Put(snap(b, "56"), 0)

	// Touch a so it's the most recent.
	if _, ok := c.Get(a); !ok {
		t.Fatalf("precondition failed: expected a before eviction")
	}

	c.Put(snap(d, "7890123"), 0)

	if _, ok := c.Get(a); !ok {
		t.Fatalf("expected a to remain")
	}
	if _, ok := c.Get(d); !ok {
		t.Fatalf("expected d to be present")
	}
	if _, ok := c.Get(b); ok {
		t.Fatalf("expected b to be evicted")
	}
}

func TestCacheTakeRemoves(t *testing.T) {
	c := NewCache(1 << 20)
	id := uuid.New()
	c.Put(snap(id, "x"), time.Minute)

	got, ok := c.Take(id)
	if !ok || string(got.Data) != "x" {
		t.Fatalf("Take = %q,%v want x,true", got.Data, ok)
	}
	if _, ok := c.Take(id); ok {
		t.Fatalf("second Take should miss")
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(1 << 20)
	id := uuid.New()
	in := snap(id, "abc")
	c.Put(in, 0)
	in.Data[0] = 'z'

	got, _ := c.Get(id)
	if string(got.Data) != "abc" {
		t.Fatalf("cache aliased caller data: %q", got.Data)
	}
	got.Data[0] = 'q'
	again, _ := c.Get(id)
	if string(again.Data) != "abc" {
		t.Fatalf("Get returned shared buffer: %q", again.Data)
	}
}

func TestCacheConcurrentAccess_NoRaces(t *testing.T) {
	c := NewCache(1 << 20)

	var wg sync.WaitGroup
	const G = 16
	const N = 500

	errCh := make(chan error, G)
	var stop atomic.Bool

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				if stop.Load() {
					return
				}
				id := uuid.New()
				v := fmt.Sprintf("v-%d-%d", gid, i)
				c.Put(snap(id, v), 0)

				got, ok := c.Get(id)
				if !ok {
					errCh <- fmt.Errorf("missing %s right after Put", id)
					stop.Store(true)
					return
				}
				if string(got.Data) != v {
					errCh <- fmt.Errorf("mismatch for %s", id)
					stop.Store(true)
					return
				}
				if i%7 == 0 {
					c.Delete(id)
				}
			}
		}(gid)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrency test failed: %v", err)
	}
}
