package cache

import (
	"context"
	"time"

	"github.com/airsight/airsight-service/internal/models"
)

// Status reports how a cache lookup was answered.
type Status int

const (
	StatusMiss Status = iota
	StatusFresh
	StatusStale
)

// String returns the provenance label used in API responses and metrics.
func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "cache_fresh"
	case StatusStale:
		return "cache_stale"
	default:
		return "cache_miss"
	}
}

// Entry is a cached payload together with the time it was written.
type Entry struct {
	Key       string
	Timestamp time.Time
	Value     models.Payload
}

// Cache is a TTL-aware store that keeps expired entries readable.
// Get returns the entry with StatusFresh while its age is within TTL, with
// StatusStale after that (value unchanged), and StatusMiss when absent.
// Set inserts or overwrites an entry with a fresh timestamp.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, Status, error)
	Set(ctx context.Context, key string, value models.Payload) error
}

// isStale applies the TTL rule shared by all backends. A non-positive TTL
// makes every entry stale.
func isStale(age, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return age > ttl
}
