//go:build integration
// +build integration

// Package testhelpers wires the live AQICN vendor and a real cache backend for
// integration tests. Build with -tags integration.
package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/airsight/airsight-service/internal/cache"
	"github.com/airsight/airsight-service/internal/circuitbreaker"
	"github.com/airsight/airsight-service/internal/service"
	"github.com/airsight/airsight-service/internal/vendor"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	Token         string
	BaseURL       string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if AQICN_TOKEN is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	token := os.Getenv("AQICN_TOKEN")
	if token == "" {
		t.Skip("AQICN_TOKEN not set, skipping integration test")
	}
	baseURL := os.Getenv("AQICN_URL")
	if baseURL == "" {
		baseURL = "https://api.waqi.info"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		Token:         token,
		BaseURL:       baseURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationAdapter creates an AQICN adapter behind a circuit breaker.
func SetupIntegrationAdapter(t *testing.T, cfg IntegrationTestConfig) *vendor.AQICNAdapter {
	t.Helper()
	adapter, err := vendor.NewAQICNAdapter(cfg.Token, cfg.BaseURL, 10*time.Second)
	if err != nil {
		t.Fatalf("NewAQICNAdapter() error = %v", err)
	}
	adapter.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Component:        "aqicn",
		IsFailure:        vendor.IsBreakerFailure,
	}))
	return adapter
}

// SetupIntegrationService creates a fully wired service for integration tests.
// Returns the service, its cache and a cleanup function. A memcached backend
// that cannot be reached falls back to the in-memory cache.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.AirQualityService, cache.Cache, func()) {
	t.Helper()
	clock := clockwork.NewRealClock()
	ttl := 15 * time.Minute

	var c cache.Cache
	cleanup := func() {}
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, ttl, 24*time.Hour, clock)
		switch {
		case err != nil:
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		case mc.Ping() != nil:
			mc.Close()
			t.Logf("Memcached at %s not reachable, using in-memory cache", cfg.MemcachedAddr)
		default:
			c = mc
			cleanup = func() { mc.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		}
	}
	if c == nil {
		c = cache.NewLRUCache(1000, ttl, clock)
	}

	svc := service.NewAirQualityService(SetupIntegrationAdapter(t, cfg), c, service.Options{
		Logger: zaptest.NewLogger(t),
	})
	return svc, c, func() {
		svc.Wait()
		cleanup()
	}
}
