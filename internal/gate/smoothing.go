package gate

// Alpha is the EMA smoothing factor for a window: 2 / (window + 1).
func Alpha(window int) float64 {
	return 2.0 / (float64(window) + 1.0)
}

// EMA folds current into previous. A nil previous seeds the average.
func EMA(previous *float64, current, alpha float64) float64 {
	if previous == nil {
		return current
	}
	return alpha*current + (1.0-alpha)*(*previous)
}

// FiveGenerationSlope is (latest - value four steps earlier) / 4 over the
// last five points, or 0 with fewer than five points.
func FiveGenerationSlope(values []float64) float64 {
	if len(values) < 5 {
		return 0
	}
	recent := values[len(values)-5:]
	return (recent[4] - recent[0]) / 4.0
}
