package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ExperimentStatus is the lifecycle state of a CalibrationExperiment.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusConcluded ExperimentStatus = "concluded"
)

// ParseExperimentStatus validates a stored status token.
func ParseExperimentStatus(s string) (ExperimentStatus, error) {
	switch es := ExperimentStatus(s); es {
	case ExperimentStatusDraft, ExperimentStatusRunning, ExperimentStatusConcluded:
		return es, nil
	default:
		return "", eris.Errorf("model: unknown experiment status %q", s)
	}
}

// Arm identifies one side of an A/B experiment.
type Arm string

const (
	ArmControl   Arm = "control"
	ArmTreatment Arm = "treatment"
)

// Winner is the concluded outcome of an experiment.
type Winner string

const (
	WinnerControl   Winner = "control"
	WinnerTreatment Winner = "treatment"
	WinnerNone      Winner = "none"
)

// CalibrationExperiment is an A/B test comparing a control weight
// configuration against a treatment configuration.
type CalibrationExperiment struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	ControlConfigID   string `json:"control_config_id"`
	TreatmentConfigID string `json:"treatment_config_id"`

	// TreatmentAllocation is the fraction of sites assigned to treatment,
	// in [0, 1].
	TreatmentAllocation float64 `json:"treatment_allocation"`
	MinSamplesPerArm    int     `json:"min_samples_per_arm"`

	ControlSamples   int `json:"control_samples"`
	TreatmentSamples int `json:"treatment_samples"`

	ControlAccuracy   *float64 `json:"control_accuracy,omitempty"`
	TreatmentAccuracy *float64 `json:"treatment_accuracy,omitempty"`
	PValue            *float64 `json:"p_value,omitempty"`
	IsSignificant     bool     `json:"is_significant"`
	Winner            Winner   `json:"winner,omitempty"`
	WinnerReason      string   `json:"winner_reason,omitempty"`

	Status      ExperimentStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	ConcludedAt *time.Time       `json:"concluded_at,omitempty"`
}

// ConfigForArm returns the config id bound to the given arm.
func (e *CalibrationExperiment) ConfigForArm(arm Arm) string {
	if arm == ArmTreatment {
		return e.TreatmentConfigID
	}
	return e.ControlConfigID
}

// Validate checks a new experiment's internal consistency.
func (e *CalibrationExperiment) Validate() error {
	if e.Name == "" {
		return eris.New("experiment: name is required")
	}
	if e.ControlConfigID == "" || e.TreatmentConfigID == "" {
		return eris.New("experiment: both control and treatment config ids are required")
	}
	if e.ControlConfigID == e.TreatmentConfigID {
		return eris.New("experiment: control and treatment must reference different configs")
	}
	if e.TreatmentAllocation < 0 || e.TreatmentAllocation > 1 {
		return eris.Errorf("experiment: treatment_allocation %.3f outside [0, 1]", e.TreatmentAllocation)
	}
	if e.MinSamplesPerArm <= 0 {
		return eris.New("experiment: min_samples_per_arm must be positive")
	}
	return nil
}
