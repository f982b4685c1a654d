// Package calibration implements the scoring calibration and
// experimentation engine: ground-truth sample collection, constrained
// weight optimization with holdout validation, A/B experiments between
// weight configurations, and drift detection against baseline windows.
package calibration

import (
	"context"
	"time"

	"github.com/avgjoe1017/findable/internal/model"
)

// SampleFilter specifies criteria for listing calibration samples.
type SampleFilter struct {
	SiteID       string    `json:"site_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	ConfigID     string    `json:"config_id,omitempty"`
	Since        time.Time `json:"since,omitempty"`
	Until        time.Time `json:"until,omitempty"`

	// ExcludeUnknown drops samples whose outcome could not be classified.
	ExcludeUnknown bool `json:"exclude_unknown,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// WindowStats aggregates sample outcomes over a time window. Rates are
// computed over non-unknown samples only.
type WindowStats struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Samples int       `json:"samples"`

	Accurate      int     `json:"accurate"`
	Accuracy      float64 `json:"accuracy"`
	OptimismRate  float64 `json:"optimism_rate"`
	PessimismRate float64 `json:"pessimism_rate"`

	// Mean pillar sub-scores across the window's samples.
	PillarMeans map[string]float64 `json:"pillar_means,omitempty"`
}

// ArmCounts holds per-arm accuracy counts, restricted to samples with a
// non-unknown outcome.
type ArmCounts struct {
	Accurate int `json:"accurate"`
	Total    int `json:"total"`
}

// Store defines the persistence interface for the calibration engine.
// The at-most-one invariants (single active config, single running
// experiment) are enforced at this layer, not in application memory.
type Store interface {
	// Samples.
	InsertSamples(ctx context.Context, samples []model.CalibrationSample) (int64, error)
	ListSamples(ctx context.Context, filter SampleFilter) ([]model.CalibrationSample, error)
	RunHasSamples(ctx context.Context, runID string) (bool, error)
	WindowStats(ctx context.Context, start, end time.Time) (*WindowStats, error)

	// Configs.
	CreateConfig(ctx context.Context, cfg *model.CalibrationConfig) error
	GetConfig(ctx context.Context, id string) (*model.CalibrationConfig, error)
	GetActiveConfig(ctx context.Context) (*model.CalibrationConfig, error)
	ListConfigs(ctx context.Context, status model.ConfigStatus, limit int) ([]model.CalibrationConfig, error)
	ActivateConfig(ctx context.Context, id string) error

	// Experiments.
	CreateExperiment(ctx context.Context, exp *model.CalibrationExperiment) error
	GetExperiment(ctx context.Context, id string) (*model.CalibrationExperiment, error)
	GetRunningExperiment(ctx context.Context) (*model.CalibrationExperiment, error)
	ListExperiments(ctx context.Context, status model.ExperimentStatus, limit int) ([]model.CalibrationExperiment, error)
	StartExperiment(ctx context.Context, id string) error
	UpdateExperimentCounts(ctx context.Context, id string, control, treatment int) error
	ConcludeExperiment(ctx context.Context, exp *model.CalibrationExperiment, activateConfigID string) error
	CountExperimentSamples(ctx context.Context, experimentID, configID string) (int, error)
	ArmOutcomeCounts(ctx context.Context, experimentID, configID string) (ArmCounts, error)

	// Drift alerts.
	CreateAlert(ctx context.Context, alert *model.CalibrationDriftAlert) error
	ListAlerts(ctx context.Context, status model.AlertStatus, limit int) ([]model.CalibrationDriftAlert, error)
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, actor, note string) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
