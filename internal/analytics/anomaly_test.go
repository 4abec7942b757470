package analytics

import (
	"testing"
)

func TestDetectAnomaly_ShortHistory(t *testing.T) {
	values := make([]float64, MinAnomalyPoints-1)
	for i := range values {
		values[i] = 80
	}
	values[len(values)-1] = 1000
	if got := DetectAnomaly(hourly(values...)); got != "" {
		t.Errorf("DetectAnomaly() = %q, want no anomaly below %d points", got, MinAnomalyPoints)
	}
}

func TestDetectAnomaly_Spike(t *testing.T) {
	values := make([]float64, 48)
	for i := range values {
		values[i] = 80 + float64(i%7)
	}
	values[47] = 400
	if got := DetectAnomaly(hourly(values...)); got != AnomalyMessage {
		t.Errorf("DetectAnomaly() = %q, want %q", got, AnomalyMessage)
	}
}

func TestDetectAnomaly_TypicalLatest(t *testing.T) {
	values := make([]float64, 48)
	for i := range values {
		values[i] = 80 + float64(i%7)
	}
	values[10] = 400
	values[47] = 83
	if got := DetectAnomaly(hourly(values...)); got != "" {
		t.Errorf("DetectAnomaly() = %q, want no anomaly", got)
	}
}

func TestDetectAnomaly_Deterministic(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = float64(50 + (i*37)%90)
	}
	history := hourly(values...)
	first := DetectAnomaly(history)
	for i := 0; i < 5; i++ {
		if got := DetectAnomaly(history); got != first {
			t.Fatalf("run %d = %q, want %q", i, got, first)
		}
	}
}

func TestAveragePathLength(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0},
		{2, 1},
	}
	for _, tt := range tests {
		if got := averagePathLength(tt.n); got != tt.want {
			t.Errorf("averagePathLength(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if c := averagePathLength(256); c < 10 || c > 11 {
		t.Errorf("averagePathLength(256) = %v, want about 10.2", c)
	}
}
