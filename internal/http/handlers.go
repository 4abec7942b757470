package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/airsight/airsight-service/internal/lifecycle"
	"github.com/airsight/airsight-service/internal/models"
	"github.com/airsight/airsight-service/internal/observability"
	"github.com/airsight/airsight-service/internal/service"
	"github.com/airsight/airsight-service/internal/traffic"
	"github.com/airsight/airsight-service/internal/validation"
)

const (
	cityMinLength = 2
	cityMaxLength = 100
)

// AirQualityService is the service surface the handlers need.
type AirQualityService interface {
	Snapshot(ctx context.Context, city string) (models.AqiSnapshot, error)
	Insights(ctx context.Context, city string) (models.InsightResponse, error)
	Forecast(ctx context.Context, city string, horizon int) (models.ForecastResponse, error)
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	ServiceName            string
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// VendorState, when set, reports the vendor circuit breaker state ("closed", "open", "half-open").
	VendorState func() string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              AirQualityService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	now              func() time.Time
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(svc AirQualityService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:          svc,
		healthConfig: healthConfig,
		logger:       logger,
		now:          time.Now,
	}
}

// Search handles GET {prefix}/search?city=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	city, ok := h.cityParam(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Snapshot(r.Context(), city)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, snap)
}

// CurrentInsights handles GET {prefix}/insights/current?city=.
func (h *Handler) CurrentInsights(w http.ResponseWriter, r *http.Request) {
	city, ok := h.cityParam(w, r)
	if !ok {
		return
	}
	resp, err := h.svc.Insights(r.Context(), city)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, resp)
}

// Forecast handles GET {prefix}/insights/forecast?city=&horizon=.
func (h *Handler) Forecast(w http.ResponseWriter, r *http.Request) {
	city, ok := h.cityParam(w, r)
	if !ok {
		return
	}
	horizon, err := validation.ValidateHorizon(r.URL.Query().Get("horizon"), service.DefaultHorizon, service.MinHorizon, service.MaxHorizon)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_HORIZON", err.Error())
		return
	}
	resp, err := h.svc.Forecast(r.Context(), city, horizon)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	city, err := validation.ValidateCity(r.URL.Query().Get("city"), cityMinLength, cityMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return "", false
	}
	observability.RecordCityQuery(city)
	return city, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"vendor": "healthy"}
	if result.reason == "circuit_open" || result.reason == "error_rate_breach" {
		checks["vendor"] = "unhealthy"
	}
	serviceName := "airsight-service"
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			if h.healthConfig.CachePing() == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
		}
		if h.healthConfig.ServiceName != "" {
			serviceName = h.healthConfig.ServiceName
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"checks":    checks,
		"uptime":    lifecycle.Uptime(h.now()).Round(time.Second).String(),
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > circuit open > idle > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.VendorState != nil && cfg.VendorState() == "open" {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if cfg.IdleWindow > 0 && cfg.MinimumLifespan > 0 && lifecycle.Uptime(h.now()) >= cfg.MinimumLifespan {
		perMinute := float64(traffic.RequestCount(cfg.IdleWindow)) / cfg.IdleWindow.Minutes()
		if perMinute < float64(cfg.IdleThresholdReqPerMin) {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code","message","requestId"}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps service errors to responses. Every vendor failure is
// reported as an unknown city.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), nil)
	switch {
	case errors.Is(err, service.ErrCityNotFound):
		logger.Debug("city lookup failed", zap.Error(err))
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND",
			"City not found or no data available from the air-quality provider.")
	case errors.Is(err, service.ErrInvalidHorizon):
		writeError(w, r, http.StatusBadRequest, "INVALID_HORIZON", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request timed out", zap.Error(err))
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	default:
		logger.Error("unexpected service error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal server error")
	}
}
