// Package analytics holds the statistical routines run over AQI history:
// a Holt linear-trend forecast, isolation-forest anomaly detection and the
// health recommendation text.
package analytics

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/airsight/airsight-service/internal/models"
)

// Method names the path a forecast took. Used as a metric label.
type Method string

const (
	MethodHolt     Method = "holt"
	MethodNaive    Method = "naive"
	MethodFallback Method = "fallback"
)

const (
	// MinForecastPoints is the history length below which the naive forecast is used.
	MinForecastPoints = 10
	// DefaultLastValue is repeated when there is no history at all.
	DefaultLastValue = 100.0

	z95 = 1.96
)

var errNonFinite = errors.New("non-finite forecast")

// Forecast projects horizon hourly points from history.
//
// With fewer than MinForecastPoints observations it repeats the last value (or
// DefaultLastValue) hourly from now without bounds. Otherwise it fits Holt's
// additive-trend smoothing and steps hourly from the last observed timestamp,
// with 95% bounds. A failed fit repeats the last observation from its timestamp.
func Forecast(history []models.HistoryPoint, horizon int, now time.Time) ([]models.ForecastPoint, Method) {
	if horizon <= 0 {
		return []models.ForecastPoint{}, MethodNaive
	}
	if len(history) < MinForecastPoints {
		last := DefaultLastValue
		if len(history) > 0 {
			last = history[len(history)-1].AQI
		}
		return repeat(last, now.UTC(), horizon), MethodNaive
	}

	series := sortedCopy(history)
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.AQI
	}
	lastObs := series[len(series)-1]

	fit, err := fitHolt(values)
	if err != nil {
		return repeat(lastObs.AQI, lastObs.Timestamp.UTC(), horizon), MethodFallback
	}
	points, err := fit.project(lastObs.Timestamp.UTC(), horizon)
	if err != nil {
		return repeat(lastObs.AQI, lastObs.Timestamp.UTC(), horizon), MethodFallback
	}
	return points, MethodHolt
}

func repeat(value float64, base time.Time, horizon int) []models.ForecastPoint {
	out := make([]models.ForecastPoint, horizon)
	for i := range out {
		out[i] = models.ForecastPoint{Timestamp: base.Add(time.Duration(i+1) * time.Hour), AQI: value}
	}
	return out
}

func sortedCopy(history []models.HistoryPoint) []models.HistoryPoint {
	out := make([]models.HistoryPoint, len(history))
	copy(out, history)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// holtFit is a fitted additive-trend model: the final level and trend and the
// standard deviation of the one-step-ahead residuals.
type holtFit struct {
	alpha, beta  float64
	level, trend float64
	sigma        float64
}

// fitHolt estimates alpha, beta and the initial level and trend by minimizing
// the one-step-ahead SSE with Nelder-Mead. Smoothing parameters are optimized
// in logit space so they stay inside (0, 1).
func fitHolt(y []float64) (holtFit, error) {
	x0 := []float64{logit(0.5), logit(0.1), y[0], y[1] - y[0]}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			sse, _, _ := holtSSE(y, sigmoid(x[0]), sigmoid(x[1]), x[2], x[3])
			return sse
		},
	}
	settings := &optimize.Settings{MajorIterations: 2000, FuncEvaluations: 10000}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return holtFit{}, err
	}
	alpha, beta := sigmoid(result.X[0]), sigmoid(result.X[1])
	sse, level, trend := holtSSE(y, alpha, beta, result.X[2], result.X[3])
	fit := holtFit{
		alpha: alpha,
		beta:  beta,
		level: level,
		trend: trend,
		sigma: math.Sqrt(sse / float64(len(y))),
	}
	for _, v := range []float64{fit.alpha, fit.beta, fit.level, fit.trend, fit.sigma} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return holtFit{}, errNonFinite
		}
	}
	return fit, nil
}

// holtSSE runs the Holt recursions from (l0, b0) over y and returns the sum
// of squared one-step-ahead errors with the final level and trend.
func holtSSE(y []float64, alpha, beta, l0, b0 float64) (sse, level, trend float64) {
	level, trend = l0, b0
	for _, obs := range y {
		pred := level + trend
		e := obs - pred
		sse += e * e
		prevLevel := level
		level = alpha*obs + (1-alpha)*pred
		trend = beta*(level-prevLevel) + (1-beta)*trend
	}
	return sse, level, trend
}

func (f holtFit) project(base time.Time, horizon int) ([]models.ForecastPoint, error) {
	out := make([]models.ForecastPoint, horizon)
	for i := range out {
		h := float64(i + 1)
		v := f.level + h*f.trend
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errNonFinite
		}
		width := z95 * f.sigma * math.Sqrt(h)
		lower, upper := v-width, v+width
		out[i] = models.ForecastPoint{
			Timestamp: base.Add(time.Duration(i+1) * time.Hour),
			AQI:       v,
			Lower:     &lower,
			Upper:     &upper,
		}
	}
	return out, nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func logit(p float64) float64 { return math.Log(p / (1 - p)) }
