package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airsight/airsight-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95/p99 increases on /insights routes (analytics cost).
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream AQI vendor calls by vendor and outcome.
	VendorCallsTotal *prometheus.CounterVec

	// Upstream AQI vendor latency. Watch for: p95 near the vendor timeout.
	VendorDuration *prometheus.HistogramVec

	// Vendor errors by category (timeout, not_found, upstream_5xx, ...).
	VendorErrorsTotal *prometheus.CounterVec

	// Cache lookups by status (cache_fresh, cache_stale, cache_miss). Hit rate = fresh/total.
	CacheLookupsTotal *prometheus.CounterVec

	// Cache writes.
	CacheSetsTotal prometheus.Counter

	// LRU evictions. Watch for: sustained evictions = max_entries too small.
	CacheEvictionsTotal prometheus.Counter

	// Cache backend errors by operation (get, set).
	CacheErrorsTotal *prometheus.CounterVec

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Vendor fetches that joined an in-flight fetch for the same key.
	CoalescedFetchesTotal *prometheus.CounterVec

	// Background refreshes of stale entries by result.
	BackgroundRevalidationsTotal *prometheus.CounterVec

	// Forecast runs by method (holt, naive, fallback). Watch for: fallback share rising.
	ForecastRunsTotal *prometheus.CounterVec

	// Latest-hour anomalies flagged.
	AnomaliesFlaggedTotal prometheus.Counter

	// Per-city query count (allow-list; others go to "other").
	CityQueriesTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component: 0=closed, 1=open, 2=half_open.
	CircuitBreakerState *prometheus.GaugeVec

	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	rateLimitGaugesOnce sync.Once
	cacheSizeGaugeOnce  sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	VendorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorCallsTotal",
			Help: "Total number of AQI vendor calls",
		},
		[]string{"vendor", "status"},
	)
	VendorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendorDurationSeconds",
			Help:    "AQI vendor latency in seconds (per call)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"vendor", "status"},
	)
	VendorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorErrorsTotal",
			Help: "AQI vendor errors by category",
		},
		[]string{"category"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Cache lookups by status (cache_fresh, cache_stale, cache_miss)",
		},
		[]string{"status"},
	)
	CacheSetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheSetsTotal",
			Help: "Total number of cache writes",
		},
	)
	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheEvictionsTotal",
			Help: "Entries evicted from the in-memory LRU cache",
		},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation",
		},
		[]string{"operation"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed city",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	CoalescedFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescedFetchesTotal",
			Help: "Vendor fetches shared with a concurrent caller",
		},
		[]string{"kind"},
	)
	BackgroundRevalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backgroundRevalidationsTotal",
			Help: "Background refreshes of stale snapshots by result",
		},
		[]string{"result"},
	)
	ForecastRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastRunsTotal",
			Help: "Forecast runs by method (holt, naive, fallback)",
		},
		[]string{"method"},
	)
	AnomaliesFlaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaliesFlaggedTotal",
			Help: "Latest-hour readings classified as outliers",
		},
	)
	CityQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityQueriesTotal",
			Help: "Queries by city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		VendorCallsTotal, VendorDuration, VendorErrorsTotal,
		CacheLookupsTotal, CacheSetsTotal, CacheEvictionsTotal, CacheErrorsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		CoalescedFetchesTotal, BackgroundRevalidationsTotal,
		ForecastRunsTotal, AnomaliesFlaggedTotal,
		CityQueriesTotal, RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RegisterCacheSizeGauge exposes the current entry count of the in-memory cache.
func RegisterCacheSizeGauge(size func() int) {
	cacheSizeGaugeOnce.Do(func() {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cacheEntries",
				Help: "Entries currently held by the in-memory cache",
			},
			func() float64 { return float64(size()) },
		))
	})
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(circuitBreakerStateValue(to))
}

func circuitBreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open", "half_open":
		return 2
	default:
		return 0
	}
}

// SetTrackedCities sets the allow-list for city metrics. Non-tracked cities increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// RecordCityQuery records a query for the given city.
func RecordCityQuery(city string) {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c]
	trackedCitiesMu.RUnlock()
	if !ok {
		c = "other"
	}
	CityQueriesTotal.WithLabelValues(c).Inc()
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
