package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/airsight/airsight-service/internal/models"
	"github.com/airsight/airsight-service/internal/observability"
)

const keyPrefix = "airsight:"

// maxRelativeExp is memcached's limit for relative expirations (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache on memcached. The write time travels with
// the value so freshness is judged by the same TTL rule as LRUCache; the
// memcached expiration only bounds how long stale entries stay readable.
type MemcachedCache struct {
	client    *memcache.Client
	ttl       time.Duration
	retention time.Duration
	clock     clockwork.Clock
}

type memcachedItem struct {
	StoredAt time.Time      `json:"stored_at"`
	Value    models.Payload `json:"value"`
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). retention is how long
// entries survive in memcached, including their stale period.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, ttl, retention time.Duration, clock clockwork.Clock) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		return nil, fmt.Errorf("memcached: no server addresses in %q", addrs)
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemcachedCache{client: client, ttl: ttl, retention: retention, clock: clock}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. Returns StatusMiss, nil on a memcached miss.
func (c *MemcachedCache) Get(ctx context.Context, key string) (Entry, Status, error) {
	if ctx.Err() != nil {
		return Entry{}, StatusMiss, ctx.Err()
	}
	raw, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			observability.CacheLookupsTotal.WithLabelValues(StatusMiss.String()).Inc()
			return Entry{}, StatusMiss, nil
		}
		return Entry{}, StatusMiss, fmt.Errorf("cache get %s: %w", key, err)
	}
	var item memcachedItem
	if err := json.Unmarshal(raw.Value, &item); err != nil {
		return Entry{}, StatusMiss, fmt.Errorf("cache decode %s: %w", key, err)
	}
	entry := Entry{Key: key, Timestamp: item.StoredAt, Value: item.Value}
	status := StatusFresh
	if isStale(c.clock.Since(item.StoredAt), c.ttl) {
		status = StatusStale
	}
	observability.CacheLookupsTotal.WithLabelValues(status.String()).Inc()
	return entry, status, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Payload) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(memcachedItem{StoredAt: c.clock.Now().UTC(), Value: value})
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(c.retention),
	}); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	observability.CacheSetsTotal.Inc()
	return nil
}

// expirationSeconds converts retention to a memcached relative expiration,
// falling back to one day when out of range.
func expirationSeconds(retention time.Duration) int32 {
	sec := int64(retention.Seconds())
	if sec <= 0 || sec > maxRelativeExp {
		return 24 * 60 * 60
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
