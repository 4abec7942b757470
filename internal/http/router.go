package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/airsight/airsight-service/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// APIPrefix is the mount point of the API routes, e.g. /api/v1.
	APIPrefix      string
	RequestTimeout time.Duration
	// Limiter rate-limits API routes. Nil disables rate limiting.
	Limiter *rate.Limiter
}

// NewRouter mounts /health, /metrics and the API routes under cfg.APIPrefix.
// Rate limiting and the request timeout apply to API routes only.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix(cfg.APIPrefix).Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/search", h.Search).Methods(http.MethodGet)
	api.HandleFunc("/insights/current", h.CurrentInsights).Methods(http.MethodGet)
	api.HandleFunc("/insights/forecast", h.Forecast).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found")
	})
	return router
}
