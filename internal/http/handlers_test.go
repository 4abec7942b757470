package http

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/airsight/airsight-service/internal/cache"
	"github.com/airsight/airsight-service/internal/lifecycle"
	"github.com/airsight/airsight-service/internal/models"
	"github.com/airsight/airsight-service/internal/service"
	"github.com/airsight/airsight-service/internal/traffic"
	"github.com/airsight/airsight-service/internal/vendor"
)

const testPrefix = "/api/v1"

var testTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

// stubService returns canned results. If block is set, calls wait for ctx to end.
type stubService struct {
	snap     models.AqiSnapshot
	insights models.InsightResponse
	forecast models.ForecastResponse
	err      error
	block    bool

	gotHorizon int
}

func (s *stubService) wait(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func (s *stubService) Snapshot(ctx context.Context, city string) (models.AqiSnapshot, error) {
	return s.snap, s.wait(ctx)
}

func (s *stubService) Insights(ctx context.Context, city string) (models.InsightResponse, error) {
	return s.insights, s.wait(ctx)
}

func (s *stubService) Forecast(ctx context.Context, city string, horizon int) (models.ForecastResponse, error) {
	s.gotHorizon = horizon
	return s.forecast, s.wait(ctx)
}

func resetHealthState(t *testing.T) {
	t.Helper()
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() {
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
	})
}

// newMockRouter wires the real service over the mock vendor and an in-memory cache.
func newMockRouter(t *testing.T, logger *zap.Logger) http.Handler {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testTime)
	v := vendor.NewMockAdapter(rand.New(rand.NewPCG(1, 2)), clock)
	c := cache.NewLRUCache(100, 15*time.Minute, clock)
	svc := service.NewAirQualityService(v, c, service.Options{Now: clock.Now, Logger: logger})
	h := NewHandler(svc, nil, logger)
	return NewRouter(h, RouterConfig{APIPrefix: testPrefix}, logger)
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (body %q)", err, w.Body.String())
	}
	return body
}

func TestHandler_Search_MockCity(t *testing.T) {
	resetHealthState(t)
	router := newMockRouter(t, zap.NewNop())

	w := doGet(t, router, testPrefix+"/search?city=Delhi")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var snap models.AqiSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.City != "Delhi, IN" {
		t.Errorf("city = %q, want Delhi, IN", snap.City)
	}
	if snap.AQI == nil || *snap.AQI < 60 || *snap.AQI > 220 {
		t.Errorf("aqi = %v, want within [60,220]", snap.AQI)
	}
	for _, p := range []string{"pm25", "pm10", "no2", "o3"} {
		if _, ok := snap.Pollutants[p]; !ok {
			t.Errorf("pollutant %q missing", p)
		}
	}
	if snap.Source != models.SourceVendorLive {
		t.Errorf("source = %q, want %q", snap.Source, models.SourceVendorLive)
	}
}

func TestHandler_Search_SecondRequestServedFromCache(t *testing.T) {
	resetHealthState(t)
	router := newMockRouter(t, zap.NewNop())

	first := doGet(t, router, testPrefix+"/search?city=mumbai")
	second := doGet(t, router, testPrefix+"/search?city=Mumbai")

	var a, b models.AqiSnapshot
	if err := json.NewDecoder(first.Body).Decode(&a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.NewDecoder(second.Body).Decode(&b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if b.Source != models.SourceCacheFresh {
		t.Errorf("second source = %q, want %q", b.Source, models.SourceCacheFresh)
	}
	if *a.AQI != *b.AQI {
		t.Errorf("cached aqi = %d, want %d", *b.AQI, *a.AQI)
	}
}

func TestHandler_Search_UnknownCity(t *testing.T) {
	resetHealthState(t)
	router := newMockRouter(t, zap.NewNop())

	w := doGet(t, router, testPrefix+"/search?city=Atlantis")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decodeError(t, w)
	if body.Error.Code != "CITY_NOT_FOUND" {
		t.Errorf("code = %q, want CITY_NOT_FOUND", body.Error.Code)
	}
	if body.Error.RequestID == "" {
		t.Error("requestId missing")
	}
	if errs, _ := traffic.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("recorded errors = %d, want 1", errs)
	}
}

func TestHandler_InvalidCity(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing", "/search"},
		{"blank", "/search?city=%20%20"},
		{"too short", "/search?city=a"},
		{"invalid chars", "/insights/current?city=%3Cscript%3E"},
		{"forecast missing city", "/insights/forecast?horizon=12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealthState(t)
			router := newMockRouter(t, zap.NewNop())

			w := doGet(t, router, testPrefix+tt.path)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := decodeError(t, w).Error.Code; code != "INVALID_CITY" {
				t.Errorf("code = %q, want INVALID_CITY", code)
			}
		})
	}
}

func TestHandler_Forecast_InvalidHorizon(t *testing.T) {
	for _, horizon := range []string{"abc", "0", "-3", "169", "1.5"} {
		t.Run(horizon, func(t *testing.T) {
			resetHealthState(t)
			svc := &stubService{}
			router := NewRouter(NewHandler(svc, nil, nil), RouterConfig{APIPrefix: testPrefix}, zap.NewNop())

			w := doGet(t, router, testPrefix+"/insights/forecast?city=delhi&horizon="+horizon)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := decodeError(t, w).Error.Code; code != "INVALID_HORIZON" {
				t.Errorf("code = %q, want INVALID_HORIZON", code)
			}
			if svc.gotHorizon != 0 {
				t.Error("service called for invalid horizon")
			}
		})
	}
}

func TestHandler_Forecast_DefaultHorizon(t *testing.T) {
	resetHealthState(t)
	router := newMockRouter(t, zap.NewNop())

	w := doGet(t, router, testPrefix+"/insights/forecast?city=bengaluru")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var resp models.ForecastResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.City != "Bengaluru" {
		t.Errorf("city = %q, want Bengaluru", resp.City)
	}
	if resp.Horizon != service.DefaultHorizon || len(resp.Points) != service.DefaultHorizon {
		t.Fatalf("horizon = %d with %d points, want %d", resp.Horizon, len(resp.Points), service.DefaultHorizon)
	}
	for i := 1; i < len(resp.Points); i++ {
		if got := resp.Points[i].Timestamp.Sub(resp.Points[i-1].Timestamp); got != time.Hour {
			t.Fatalf("point %d step = %v, want 1h", i, got)
		}
	}
}

func TestHandler_Forecast_ExplicitHorizon(t *testing.T) {
	resetHealthState(t)
	svc := &stubService{forecast: models.ForecastResponse{City: "Delhi", Horizon: 6}}
	router := NewRouter(NewHandler(svc, nil, nil), RouterConfig{APIPrefix: testPrefix}, zap.NewNop())

	w := doGet(t, router, testPrefix+"/insights/forecast?city=delhi&horizon=6")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if svc.gotHorizon != 6 {
		t.Errorf("service horizon = %d, want 6", svc.gotHorizon)
	}
}

func TestHandler_CurrentInsights(t *testing.T) {
	resetHealthState(t)
	router := newMockRouter(t, zap.NewNop())

	w := doGet(t, router, testPrefix+"/insights/current?city=delhi")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var resp models.InsightResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Recommendation == "" {
		t.Error("recommendation empty")
	}
	if resp.Snapshot.City != "Delhi, IN" {
		t.Errorf("snapshot city = %q, want Delhi, IN", resp.Snapshot.City)
	}
	if resp.SmoothedAQI == nil {
		t.Error("smoothed_aqi missing with 48h of history")
	}
}

func TestHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", service.ErrCityNotFound, http.StatusNotFound, "CITY_NOT_FOUND"},
		{"wrapped vendor failure", errors.Join(service.ErrCityNotFound, vendor.ErrUpstreamFailure), http.StatusNotFound, "CITY_NOT_FOUND"},
		{"invalid horizon", service.ErrInvalidHorizon, http.StatusBadRequest, "INVALID_HORIZON"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealthState(t)
			svc := &stubService{err: tt.err}
			router := NewRouter(NewHandler(svc, nil, nil), RouterConfig{APIPrefix: testPrefix}, zap.NewNop())

			w := doGet(t, router, testPrefix+"/search?city=delhi")

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeError(t, w).Error.Code; code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestHandler_UnexpectedError_LogsWithCorrelationID(t *testing.T) {
	resetHealthState(t)
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	svc := &stubService{err: errors.New("boom")}
	router := NewRouter(NewHandler(svc, nil, logger), RouterConfig{APIPrefix: testPrefix}, logger)

	req := httptest.NewRequest(http.MethodGet, testPrefix+"/insights/current?city=delhi", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if body := decodeError(t, w); body.Error.RequestID != "corr-123" {
		t.Errorf("requestId = %q, want corr-123", body.Error.RequestID)
	}
	entries := logs.FilterMessage("unexpected service error").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 error log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["correlation_id"]; got != "corr-123" {
		t.Errorf("correlation_id = %v, want corr-123", got)
	}
}

func TestHandler_UnknownRoute(t *testing.T) {
	router := newMockRouter(t, zap.NewNop())

	w := doGet(t, router, "/nope")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code := decodeError(t, w).Error.Code; code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", code)
	}
}

type healthBody struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks"`
	Uptime  string            `json:"uptime"`
}

func getHealth(t *testing.T, h *Handler) (int, healthBody) {
	t.Helper()
	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *HealthConfig
		arrange    func()
		wantStatus string
		wantCode   int
	}{
		{
			name:       "no config",
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name:       "shutting down",
			cfg:        &HealthConfig{},
			arrange:    func() { lifecycle.SetShuttingDown(true) },
			wantStatus: "shutting-down",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name: "overloaded",
			cfg:  &HealthConfig{RateLimitRPS: 1, OverloadWindow: 10 * time.Second, OverloadThresholdPct: 50},
			arrange: func() {
				for i := 0; i < 6; i++ {
					traffic.RecordSuccess()
				}
			},
			wantStatus: "overloaded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "circuit open",
			cfg:        &HealthConfig{VendorState: func() string { return "open" }},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "idle after minimum lifespan",
			cfg:        &HealthConfig{IdleWindow: 5 * time.Minute, IdleThresholdReqPerMin: 1, MinimumLifespan: time.Minute},
			arrange:    func() { lifecycle.MarkStarted(testTime.Add(-time.Hour)) },
			wantStatus: "idle",
			wantCode:   http.StatusOK,
		},
		{
			name:       "not idle before minimum lifespan",
			cfg:        &HealthConfig{IdleWindow: 5 * time.Minute, IdleThresholdReqPerMin: 1, MinimumLifespan: 2 * time.Hour},
			arrange:    func() { lifecycle.MarkStarted(testTime.Add(-time.Hour)) },
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name: "degraded error rate",
			cfg:  &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
			arrange: func() {
				traffic.RecordSuccess()
				traffic.RecordError()
				traffic.RecordError()
			},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name: "error rate below threshold",
			cfg:  &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
			arrange: func() {
				traffic.RecordSuccess()
				traffic.RecordSuccess()
				traffic.RecordError()
			},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealthState(t)
			if tt.arrange != nil {
				tt.arrange()
			}
			h := NewHandler(&stubService{}, tt.cfg, nil)
			h.now = func() time.Time { return testTime }

			code, body := getHealth(t, h)

			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
		})
	}
}

func TestHandler_GetHealth_Checks(t *testing.T) {
	resetHealthState(t)
	h := NewHandler(&stubService{}, &HealthConfig{
		ServiceName: "airsight-test",
		CachePing:   func() error { return errors.New("connection refused") },
		VendorState: func() string { return "open" },
	}, nil)

	_, body := getHealth(t, h)

	if body.Service != "airsight-test" {
		t.Errorf("service = %q, want airsight-test", body.Service)
	}
	if body.Checks["cache"] != "unhealthy" {
		t.Errorf("checks.cache = %q, want unhealthy", body.Checks["cache"])
	}
	if body.Checks["vendor"] != "unhealthy" {
		t.Errorf("checks.vendor = %q, want unhealthy", body.Checks["vendor"])
	}
	if body.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	resetHealthState(t)
	core, logs := observer.New(zap.DebugLevel)
	h := NewHandler(&stubService{}, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}, zap.New(core))

	traffic.RecordSuccess()
	traffic.RecordSuccess()
	if code, _ := getHealth(t, h); code != http.StatusOK {
		t.Fatalf("first GetHealth status = %d, want 200", code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	traffic.RecordError()
	traffic.RecordError()
	if code, _ := getHealth(t, h); code != http.StatusServiceUnavailable {
		t.Fatalf("second GetHealth status = %d, want 503", code)
	}
	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	getHealth(t, h)
	if logs.Len() != 1 {
		t.Errorf("unchanged status should not log; total logs = %d, want 1", logs.Len())
	}
}
