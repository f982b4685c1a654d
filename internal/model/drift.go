package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DriftType identifies the monitored metric a drift alert refers to.
type DriftType string

const (
	DriftTypeAccuracy  DriftType = "accuracy"
	DriftTypeOptimism  DriftType = "optimism"
	DriftTypePessimism DriftType = "pessimism"
	DriftTypePillar    DriftType = "pillar"
)

// ParseDriftType validates a stored drift type token.
func ParseDriftType(s string) (DriftType, error) {
	switch dt := DriftType(s); dt {
	case DriftTypeAccuracy, DriftTypeOptimism, DriftTypePessimism, DriftTypePillar:
		return dt, nil
	default:
		return "", eris.Errorf("model: unknown drift type %q", s)
	}
}

// AlertStatus is the lifecycle state of a drift alert.
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// ParseAlertStatus validates a stored alert status token.
func ParseAlertStatus(s string) (AlertStatus, error) {
	switch as := AlertStatus(s); as {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusResolved:
		return as, nil
	default:
		return "", eris.Errorf("model: unknown alert status %q", s)
	}
}

// CalibrationDriftAlert records that a monitored metric deviated from
// baseline beyond a threshold within a sampling window. Alerts are
// additive: recurring drift produces a new alert each check run.
type CalibrationDriftAlert struct {
	ID        string    `json:"id"`
	DriftType DriftType `json:"drift_type"`

	// Pillar is set only for pillar-type drift.
	Pillar string `json:"pillar,omitempty"`

	ExpectedValue  float64 `json:"expected_value"`
	ObservedValue  float64 `json:"observed_value"`
	DriftMagnitude float64 `json:"drift_magnitude"`

	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	WindowSamples int       `json:"window_samples"`

	BaselineStart   *time.Time `json:"baseline_start,omitempty"`
	BaselineEnd     *time.Time `json:"baseline_end,omitempty"`
	BaselineSamples int        `json:"baseline_samples"`

	Status         AlertStatus `json:"status"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	ResolutionNote string      `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
