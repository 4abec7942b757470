package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/airsight/airsight-service/internal/models"
	"github.com/airsight/airsight-service/internal/observability"
)

// LRUCache is a bounded in-memory Cache with least-recently-used eviction.
// Fresh hits are promoted to most-recent; stale hits are left in place so a
// stale entry is the first to go under capacity pressure.
// Safe for concurrent use.
type LRUCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	clock      clockwork.Clock

	items map[string]*list.Element
	order *list.List // front = most recently used
}

// NewLRUCache creates an LRUCache. A maxEntries of zero or less keeps nothing:
// every inserted entry is evicted immediately.
func NewLRUCache(maxEntries int, ttl time.Duration, clock clockwork.Clock) *LRUCache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LRUCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get implements Cache.Get.
func (c *LRUCache) Get(ctx context.Context, key string) (Entry, Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		observability.CacheLookupsTotal.WithLabelValues(StatusMiss.String()).Inc()
		return Entry{}, StatusMiss, nil
	}
	entry := elem.Value.(*Entry)
	if isStale(c.clock.Since(entry.Timestamp), c.ttl) {
		observability.CacheLookupsTotal.WithLabelValues(StatusStale.String()).Inc()
		return *entry, StatusStale, nil
	}
	c.order.MoveToFront(elem)
	observability.CacheLookupsTotal.WithLabelValues(StatusFresh.String()).Inc()
	return *entry, StatusFresh, nil
}

// Set implements Cache.Set.
func (c *LRUCache) Set(ctx context.Context, key string, value models.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
	c.items[key] = c.order.PushFront(&Entry{
		Key:       key,
		Timestamp: c.clock.Now(),
		Value:     value,
	})
	for c.order.Len() > c.maxEntries {
		c.evictOldestLocked()
	}
	observability.CacheSetsTotal.Inc()
	return nil
}

// Len returns the number of entries currently held.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns keys from most to least recently used.
func (c *LRUCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*Entry).Key)
	}
	return keys
}

func (c *LRUCache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.order.Remove(oldest)
	delete(c.items, oldest.Value.(*Entry).Key)
	observability.CacheEvictionsTotal.Inc()
}
