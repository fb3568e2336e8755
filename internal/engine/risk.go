package engine

import "github.com/driftline/abandonwatch/internal/store"

// Classify implements the pure risk function from spec §4.5 step 5 and
// §8's boundary behaviors (thresholds are inclusive).
func Classify(similarityPercentage float64, yearsDifference int, cfg RiskThresholds) store.RiskLevel {
	absYears := yearsDifference
	if absYears < 0 {
		absYears = -absYears
	}

	switch {
	case similarityPercentage >= cfg.CriticalSimilarity*100 && absYears >= cfg.CriticalYears:
		return store.RiskCritical
	case similarityPercentage >= cfg.HighSimilarity*100 && absYears >= cfg.HighYears:
		return store.RiskHigh
	case similarityPercentage >= cfg.MediumSimilarity*100:
		return store.RiskMedium
	default:
		return store.RiskLow
	}
}

// RiskThresholds carries the tunable numeric pairs from spec §4.5 /
// config §6 (`risk_thresholds`).
type RiskThresholds struct {
	CriticalSimilarity float64
	CriticalYears      int
	HighSimilarity     float64
	HighYears          int
	MediumSimilarity   float64
}
