// Package cache is the optional process-local fast path in front of the
// persistence store: a bounded LRU of completed records, keyed by
// idempotency key, so a warm re-invocation in the same process can skip the
// store round trip entirely. It is purely a latency optimization -- the
// handler's correctness never depends on what it holds, only on the store.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/vortex-fintech/idempotency-go/store"
)

const defaultMaxItems = 256

// Cache is a bounded, mutex-guarded LRU of store.DataRecord. The zero value
// is not usable; build one with New.
type Cache struct {
	mu       sync.Mutex
	maxItems int
	ll       *list.List
	items    map[string]*list.Element
}

type entry struct {
	key string
	rec store.DataRecord
}

// New returns an empty cache bounded at maxItems entries (defaulting to 256
// when maxItems <= 0).
func New(maxItems int) *Cache {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	return &Cache{
		maxItems: maxItems,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached record for key if present and not yet expired. A
// hit moves the entry to the front of the recency list; an expired hit is
// evicted rather than returned.
func (c *Cache) Get(key string, now time.Time) (store.DataRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return store.DataRecord{}, false
	}
	e := el.Value.(*entry)
	if e.rec.IsLogicallyAbsent(now) {
		c.removeElement(el)
		return store.DataRecord{}, false
	}
	c.ll.MoveToFront(el)
	return e.rec, true
}

// Put inserts or refreshes rec under key, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *Cache) Put(key string, rec store.DataRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).rec = rec
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: key, rec: rec})
	c.items[key] = el

	for c.ll.Len() > c.maxItems {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

// Evict removes key unconditionally, used when the handler detects that a
// cached record is stale (e.g. a payload validation mismatch).
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len reports the current number of entries, mostly useful in tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	e := el.Value.(*entry)
	delete(c.items, e.key)
}
