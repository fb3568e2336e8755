package engine

import (
	"testing"

	"github.com/driftline/abandonwatch/internal/store"
)

func defaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		CriticalSimilarity: 0.95,
		CriticalYears:      3,
		HighSimilarity:     0.90,
		HighYears:          2,
		MediumSimilarity:   0.85,
	}
}

func TestClassifyCriticalAtExactThreshold(t *testing.T) {
	cfg := defaultRiskThresholds()
	if got := Classify(95, 3, cfg); got != store.RiskCritical {
		t.Errorf("Classify(95, 3) = %v, want RiskCritical (thresholds are inclusive)", got)
	}
}

func TestClassifyJustBelowCriticalFallsToHighOrLower(t *testing.T) {
	cfg := defaultRiskThresholds()
	if got := Classify(94.999, 3, cfg); got == store.RiskCritical {
		t.Errorf("Classify(94.999, 3) = %v, should not be critical", got)
	}
}

func TestClassifyCriticalRequiresBothThresholds(t *testing.T) {
	cfg := defaultRiskThresholds()
	// High similarity but years below critical threshold should not be critical.
	if got := Classify(99, 2, cfg); got == store.RiskCritical {
		t.Errorf("Classify(99, 2) = %v, should not be critical with years below threshold", got)
	}
}

func TestClassifyHighAtExactThreshold(t *testing.T) {
	cfg := defaultRiskThresholds()
	if got := Classify(90, 2, cfg); got != store.RiskHigh {
		t.Errorf("Classify(90, 2) = %v, want RiskHigh", got)
	}
}

func TestClassifyMediumAtExactThreshold(t *testing.T) {
	cfg := defaultRiskThresholds()
	if got := Classify(85, 0, cfg); got != store.RiskMedium {
		t.Errorf("Classify(85, 0) = %v, want RiskMedium", got)
	}
}

func TestClassifyLowBelowAllThresholds(t *testing.T) {
	cfg := defaultRiskThresholds()
	if got := Classify(50, 0, cfg); got != store.RiskLow {
		t.Errorf("Classify(50, 0) = %v, want RiskLow", got)
	}
}

func TestClassifyNegativeYearsDifferenceTreatedAsMagnitude(t *testing.T) {
	cfg := defaultRiskThresholds()
	a := Classify(95, 3, cfg)
	b := Classify(95, -3, cfg)
	if a != b {
		t.Errorf("Classify should treat years difference sign-agnostically: %v != %v", a, b)
	}
}
