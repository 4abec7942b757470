package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/airsight/airsight-service/internal/analytics"
	"github.com/airsight/airsight-service/internal/cache"
	"github.com/airsight/airsight-service/internal/models"
	"github.com/airsight/airsight-service/internal/observability"
	"github.com/airsight/airsight-service/internal/vendor"
)

var (
	// ErrCityNotFound wraps every vendor failure; the API reports it as 404.
	ErrCityNotFound = errors.New("city not found")
	// ErrInvalidHorizon is returned by Forecast for a horizon outside [MinHorizon, MaxHorizon].
	ErrInvalidHorizon = errors.New("invalid horizon")
)

const (
	DefaultHistoryHours = 48
	DefaultHorizon      = 24
	MinHorizon          = 1
	MaxHorizon          = 168

	nowcastAlpha = 0.5
)

// Options tunes AirQualityService. Zero values use defaults.
type Options struct {
	HistoryHours int
	// BackgroundRevalidate serves stale snapshots immediately and refreshes them
	// asynchronously instead of refreshing before responding.
	BackgroundRevalidate bool
	RevalidateTimeout    time.Duration
	Now                  func() time.Time
	Logger               *zap.Logger
}

// AirQualityService answers city queries from the cache, falling back to the
// vendor on a miss or stale entry, and runs analytics over cached history.
type AirQualityService struct {
	vendor vendor.Adapter
	cache  cache.Cache
	opts   Options
	group  singleflight.Group
	bg     sync.WaitGroup
	title  cases.Caser
}

// NewAirQualityService creates a service over the given vendor and cache.
func NewAirQualityService(v vendor.Adapter, c cache.Cache, opts Options) *AirQualityService {
	if opts.HistoryHours <= 0 {
		opts.HistoryHours = DefaultHistoryHours
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &AirQualityService{
		vendor: v,
		cache:  c,
		opts:   opts,
		title:  cases.Title(language.Und),
	}
}

// Snapshot returns the current reading for city tagged with where it came from.
//
// Fresh entries are served as cache_fresh. A miss fetches from the vendor and
// is tagged vendor_live. A stale entry is refreshed before responding and
// tagged cache_stale; if the refresh fails the stale value is served instead.
// With BackgroundRevalidate the stale value is returned at once and the
// refresh runs asynchronously.
func (s *AirQualityService) Snapshot(ctx context.Context, city string) (models.AqiSnapshot, error) {
	city = normalizeCity(city)
	key := snapshotKey(city)
	logger := s.logger(ctx)

	entry, status := s.lookup(ctx, key)
	if status != cache.StatusMiss && entry.Value.Snapshot == nil {
		status = cache.StatusMiss
	}

	switch status {
	case cache.StatusFresh:
		logger.Debug("snapshot served", zap.String("city", city), zap.String("source", models.SourceCacheFresh))
		return entry.Value.Snapshot.WithSource(models.SourceCacheFresh), nil

	case cache.StatusStale:
		stale := entry.Value.Snapshot.WithSource(models.SourceCacheStale)
		if s.opts.BackgroundRevalidate {
			s.revalidate(ctx, city)
			logger.Debug("snapshot served", zap.String("city", city), zap.String("source", models.SourceCacheStale))
			return stale, nil
		}
		fresh, err := s.fetchSnapshot(ctx, city)
		if err != nil {
			logger.Warn("snapshot refresh failed, serving stale",
				zap.String("city", city),
				zap.Duration("age", s.opts.Now().Sub(entry.Timestamp)),
				zap.Error(err))
			return stale, nil
		}
		return fresh.WithSource(models.SourceCacheStale), nil
	}

	fresh, err := s.fetchSnapshot(ctx, city)
	if err != nil {
		return models.AqiSnapshot{}, fmt.Errorf("%w: %s: %w", ErrCityNotFound, city, err)
	}
	logger.Debug("snapshot served", zap.String("city", city), zap.String("source", models.SourceVendorLive))
	return fresh.WithSource(models.SourceVendorLive), nil
}

// History returns the hourly history for city. Cached history is reused even
// when stale; the vendor is asked only on a miss. An empty history is treated
// as an unknown city.
func (s *AirQualityService) History(ctx context.Context, city string) ([]models.HistoryPoint, error) {
	city = normalizeCity(city)
	key := historyKey(city)

	entry, status := s.lookup(ctx, key)
	if status != cache.StatusMiss && len(entry.Value.History) > 0 {
		return entry.Value.History, nil
	}

	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		hist, err := s.vendor.GetHistory(fetchCtx, city, s.opts.HistoryHours)
		if err != nil {
			return nil, err
		}
		if len(hist) == 0 {
			return nil, fmt.Errorf("no history for %s", city)
		}
		s.store(fetchCtx, key, models.HistoryPayload(hist))
		return hist, nil
	})
	if shared {
		observability.CoalescedFetchesTotal.WithLabelValues("history").Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCityNotFound, city, err)
	}
	return v.([]models.HistoryPoint), nil
}

// Insights combines the snapshot with a health recommendation, an anomaly
// flag for the latest hour and a smoothed AQI. Missing history leaves the
// anomaly and smoothed value empty.
func (s *AirQualityService) Insights(ctx context.Context, city string) (models.InsightResponse, error) {
	snap, err := s.Snapshot(ctx, city)
	if err != nil {
		return models.InsightResponse{}, err
	}
	resp := models.InsightResponse{
		Snapshot:       snap,
		Recommendation: analytics.Recommendation(snap.AQI),
	}

	hist, err := s.History(ctx, city)
	if err != nil {
		s.logger(ctx).Info("history unavailable for insights", zap.String("city", normalizeCity(city)), zap.Error(err))
		return resp, nil
	}
	if msg := analytics.DetectAnomaly(hist); msg != "" {
		observability.AnomaliesFlaggedTotal.Inc()
		resp.Anomaly = &msg
	}
	resp.SmoothedAQI = smoothedAQI(hist)
	return resp, nil
}

// Forecast projects horizon hourly points for city from its history.
func (s *AirQualityService) Forecast(ctx context.Context, city string, horizon int) (models.ForecastResponse, error) {
	if horizon < MinHorizon || horizon > MaxHorizon {
		return models.ForecastResponse{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidHorizon, horizon, MinHorizon, MaxHorizon)
	}
	hist, err := s.History(ctx, city)
	if err != nil {
		return models.ForecastResponse{}, err
	}
	points, method := analytics.Forecast(hist, horizon, s.opts.Now())
	observability.ForecastRunsTotal.WithLabelValues(string(method)).Inc()
	if method == analytics.MethodFallback {
		s.logger(ctx).Warn("forecast fit failed, using last value", zap.String("city", normalizeCity(city)))
	}
	return models.ForecastResponse{
		City:    s.title.String(strings.TrimSpace(city)),
		Horizon: horizon,
		Points:  points,
	}, nil
}

// Wait blocks until background revalidations finish.
func (s *AirQualityService) Wait() {
	s.bg.Wait()
}

// fetchSnapshot asks the vendor once per key across concurrent callers and
// caches the result.
func (s *AirQualityService) fetchSnapshot(ctx context.Context, city string) (models.AqiSnapshot, error) {
	key := snapshotKey(city)
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		snap, err := s.vendor.GetSnapshot(fetchCtx, city)
		if err != nil {
			return nil, err
		}
		s.store(fetchCtx, key, models.SnapshotPayload(snap))
		return snap, nil
	})
	if shared {
		observability.CoalescedFetchesTotal.WithLabelValues("snapshot").Inc()
	}
	if err != nil {
		return models.AqiSnapshot{}, err
	}
	return v.(models.AqiSnapshot), nil
}

func (s *AirQualityService) revalidate(ctx context.Context, city string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RevalidateTimeout)
		defer cancel()
		if _, err := s.fetchSnapshot(bgCtx, city); err != nil {
			observability.BackgroundRevalidationsTotal.WithLabelValues("error").Inc()
			s.logger(ctx).Warn("background revalidation failed", zap.String("city", city), zap.Error(err))
			return
		}
		observability.BackgroundRevalidationsTotal.WithLabelValues("success").Inc()
	}()
}

// lookup reads key from the cache. Backend errors are logged and treated as a miss.
func (s *AirQualityService) lookup(ctx context.Context, key string) (cache.Entry, cache.Status) {
	entry, status, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		s.logger(ctx).Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return cache.Entry{}, cache.StatusMiss
	}
	return entry, status
}

func (s *AirQualityService) store(ctx context.Context, key string, value models.Payload) {
	if err := s.cache.Set(ctx, key, value); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		s.logger(ctx).Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// logger prefers the request-scoped logger carrying the correlation id.
func (s *AirQualityService) logger(ctx context.Context) *zap.Logger {
	return observability.LoggerFromContext(ctx, s.opts.Logger)
}

func smoothedAQI(hist []models.HistoryPoint) *float64 {
	if len(hist) == 0 {
		return nil
	}
	last := hist[len(hist)-1].AQI
	var prev *float64
	if len(hist) > 1 {
		p := hist[len(hist)-2].AQI
		prev = &p
	}
	v := analytics.SmoothNowcast(last, prev, nowcastAlpha)
	return &v
}

func snapshotKey(city string) string { return "snapshot:" + city }

func historyKey(city string) string { return "history:" + city }

// normalizeCity trims and lowercases a city so cache keys match regardless of input format.
func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
