package analytics

// UnavailableRecommendation is returned when there is no AQI reading.
const UnavailableRecommendation = "Air quality reading unavailable — check again shortly."

// Recommendation maps an AQI reading to health advice. A nil reading yields
// UnavailableRecommendation.
func Recommendation(aqi *int) string {
	if aqi == nil {
		return UnavailableRecommendation
	}
	switch v := *aqi; {
	case v <= 50:
		return "Great air today — enjoy outdoor exercise."
	case v <= 100:
		return "Air is acceptable — sensitive groups should be mindful."
	case v <= 150:
		return "Unhealthy for sensitive groups — reduce prolonged outdoor exertion."
	case v <= 200:
		return "Unhealthy — limit outdoor activity; consider a mask if sensitive."
	case v <= 300:
		return "Very Unhealthy — avoid outdoor activity; use N95 if you must go out."
	default:
		return "Hazardous — stay indoors with air filtration; avoid all outdoor exertion."
	}
}

// SmoothNowcast blends value with the previous reading: alpha*value + (1-alpha)*prev.
// Without a previous reading it returns value.
func SmoothNowcast(value float64, prev *float64, alpha float64) float64 {
	if prev == nil {
		return value
	}
	return alpha*value + (1-alpha)*(*prev)
}
