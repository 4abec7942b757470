package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/airsight/airsight-service/internal/cache"
	"github.com/airsight/airsight-service/internal/circuitbreaker"
	"github.com/airsight/airsight-service/internal/config"
	httphandler "github.com/airsight/airsight-service/internal/http"
	"github.com/airsight/airsight-service/internal/lifecycle"
	"github.com/airsight/airsight-service/internal/observability"
	"github.com/airsight/airsight-service/internal/service"
	"github.com/airsight/airsight-service/internal/vendor"
)

const vendorComponent = "aqicn"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.AppName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	clock := clockwork.NewRealClock()
	lifecycle.MarkStarted(clock.Now())

	healthConfig := &httphandler.HealthConfig{
		ServiceName:            cfg.AppName,
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
	}

	var adapter vendor.Adapter
	if cfg.UseMockVendor {
		adapter = vendor.NewMockAdapter(nil, clock)
		logger.Info("vendor: mock", zap.Strings("cities", vendor.MockCities()))
	} else {
		aqicn, err := vendor.NewAQICNAdapter(cfg.AQICNToken, cfg.AQICNURL, cfg.AQICNTimeout)
		if err != nil {
			logger.Fatal("aqicn adapter", zap.Error(err))
		}
		if cfg.CircuitBreakerEnabled {
			cb := circuitbreaker.New(circuitbreaker.Config{
				FailureThreshold: cfg.CircuitBreakerFailureThreshold,
				SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
				Timeout:          cfg.CircuitBreakerTimeout,
				Component:        vendorComponent,
				IsFailure:        vendor.IsBreakerFailure,
				OnStateChange: func(component, from, to string) {
					observability.RecordCircuitBreakerTransition(component, from, to)
					logger.Warn("circuit breaker state change",
						zap.String("component", component), zap.String("from", from), zap.String("to", to))
				},
			})
			aqicn.SetCircuitBreaker(cb)
			observability.CircuitBreakerState.WithLabelValues(vendorComponent).Set(0)
			healthConfig.VendorState = cb.State
			logger.Info("circuit breaker enabled",
				zap.Uint32("failure_threshold", cfg.CircuitBreakerFailureThreshold),
				zap.Duration("timeout", cfg.CircuitBreakerTimeout))
		}
		adapter = aqicn
		logger.Info("vendor: aqicn", zap.String("url", cfg.AQICNURL))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns,
			cfg.CacheTTL, cfg.CacheStaleRetention, clock)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		healthConfig.CachePing = mc.Ping
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		lru := cache.NewLRUCache(cfg.CacheMaxEntries, cfg.CacheTTL, clock)
		observability.RegisterCacheSizeGauge(lru.Len)
		cacheSvc = lru
		logger.Info("cache backend: in_memory", zap.Int("max_entries", cfg.CacheMaxEntries), zap.Duration("ttl", cfg.CacheTTL))
	}

	svc := service.NewAirQualityService(adapter, cacheSvc, service.Options{
		HistoryHours:         cfg.HistoryHours,
		BackgroundRevalidate: cfg.BackgroundRevalidate,
		RevalidateTimeout:    cfg.AQICNTimeout,
		Now:                  clock.Now,
		Logger:               logger,
	})

	tracked := cfg.TrackedCities
	if len(tracked) == 0 && cfg.UseMockVendor {
		tracked = vendor.MockCities()
	}
	observability.SetTrackedCities(tracked)
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if len(cfg.WarmCities) > 0 {
		warmer := cache.NewCacheWarmer(svc, logger)
		initCtx, initCancel := context.WithTimeout(warmCtx, 30*time.Second)
		if err := warmer.Warm(initCtx, cfg.WarmCities); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		initCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(warmCtx, cfg.WarmCities, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(svc, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		APIPrefix:      cfg.APIPrefix,
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("api_prefix", cfg.APIPrefix))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	stopWarming()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests",
		zap.Int64("count", httphandler.InFlightCount()), zap.Int64("peak", httphandler.InFlightPeak()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	svc.Wait()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
