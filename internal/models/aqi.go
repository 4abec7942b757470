package models

import "time"

// Source tags describing where a snapshot came from.
const (
	SourceCacheFresh = "cache_fresh"
	SourceCacheStale = "cache_stale"
	SourceVendorLive = "vendor_live"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Category struct {
	Label string `json:"label"`
	Code  string `json:"code"`
	Color string `json:"color"`
}

// Weather is optional on snapshots; the AQI providers do not always report it.
type Weather struct {
	TempC       *float64 `json:"temp_c,omitempty"`
	HumidityPct *float64 `json:"humidity_pct,omitempty"`
}

type AqiSnapshot struct {
	City        string             `json:"city"`
	Coordinates Coordinates        `json:"coordinates"`
	AQI         *int               `json:"aqi"` // nil when the provider reports no reading
	Category    Category           `json:"category"`
	Pollutants  map[string]float64 `json:"pollutants"`
	Weather     *Weather           `json:"weather,omitempty"`
	UpdatedAt   string             `json:"updated_at"`
	Source      string             `json:"source"`
}

// WithSource returns a copy of the snapshot tagged with source.
func (s AqiSnapshot) WithSource(source string) AqiSnapshot {
	s.Source = source
	return s
}

type HistoryPoint struct {
	Timestamp time.Time `json:"ts"`
	AQI       float64   `json:"aqi"`
}

type ForecastPoint struct {
	Timestamp time.Time `json:"ts"`
	AQI       float64   `json:"aqi"`
	Lower     *float64  `json:"lower,omitempty"`
	Upper     *float64  `json:"upper,omitempty"`
}

type InsightResponse struct {
	Snapshot       AqiSnapshot `json:"snapshot"`
	Recommendation string      `json:"recommendation"`
	Anomaly        *string     `json:"anomaly"`
	SmoothedAQI    *float64    `json:"smoothed_aqi,omitempty"`
}

type ForecastResponse struct {
	City    string          `json:"city"`
	Horizon int             `json:"horizon"`
	Points  []ForecastPoint `json:"points"`
}

// Payload is the value stored in a cache entry. Exactly one field is set.
type Payload struct {
	Snapshot *AqiSnapshot   `json:"snapshot,omitempty"`
	History  []HistoryPoint `json:"history,omitempty"`
}

// SnapshotPayload wraps a snapshot for caching.
func SnapshotPayload(s AqiSnapshot) Payload {
	return Payload{Snapshot: &s}
}

// HistoryPayload wraps a history series for caching.
func HistoryPayload(h []HistoryPoint) Payload {
	return Payload{History: h}
}
