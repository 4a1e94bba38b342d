package snapshot

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	snap     Snapshot
	expireAt time.Time
}

// Cache holds snapshots that arrived before their session was ready to take
// them. Entries expire after a TTL and are evicted LRU-first once the byte
// capacity is exceeded.
type Cache struct {
	mu   sync.Mutex
	data map[uuid.UUID]*list.Element
	ll   *list.List
	used int
	cap  int
	now  func() time.Time
}

func NewCache(capacityBytes int) *Cache {
	return &Cache{
		data: make(map[uuid.UUID]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		now:  time.Now,
	}
}

// Put stores s, replacing any older entry for the same identity. A ttl <= 0
// never expires.
func (c *Cache) Put(s Snapshot, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	s.Data = append([]byte(nil), s.Data...)

	if el, ok := c.data[s.Identity]; ok {
		old := el.Value.(*entry)
		c.used -= old.snap.Size()
		old.snap = s
		old.expireAt = exp
		c.used += s.Size()
		c.ll.MoveToFront(el)
	} else {
		e := &entry{snap: s, expireAt: exp}
		c.data[s.Identity] = c.ll.PushFront(e)
		c.used += s.Size()
	}
	c.evictIfNeeded()
}

func (c *Cache) Get(id uuid.UUID) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.data[id]
	if !ok {
		return Snapshot{}, false
	}
	e := el.Value.(*entry)
	if !e.expireAt.IsZero() && c.now().After(e.expireAt) {
		c.removeElement(el)
		return Snapshot{}, false
	}
	c.ll.MoveToFront(el)
	s := e.snap
	s.Data = append([]byte(nil), s.Data...)
	return s, true
}

// Take returns the cached snapshot for id and removes it.
func (c *Cache) Take(id uuid.UUID) (Snapshot, bool) {
	s, ok := c.Get(id)
	if ok {
		c.Delete(id)
	}
	return s, ok
}

func (c *Cache) Delete(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.data[id]; ok {
		c.removeElement(el)
		return true
	}
	return false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *Cache) evictIfNeeded() {
	for c.used > c.cap && c.ll.Back() != nil {
		c.removeElement(c.ll.Back())
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.data, e.snap.Identity)
	c.used -= e.snap.Size()
	c.ll.Remove(el)
}
