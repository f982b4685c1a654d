package calibration

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avgjoe1017/findable/internal/model"
)

// allocationBuckets is the hash-space resolution for arm assignment.
const allocationBuckets = 10000

// AssignArm deterministically maps a site to an experiment arm. The site id
// hashes into one of ten thousand buckets; the low buckets belong to
// treatment in proportion to the allocation. The same site always lands in
// the same arm for the lifetime of an experiment.
func AssignArm(siteID string, treatmentAllocation float64) model.Arm {
	if treatmentAllocation <= 0 {
		return model.ArmControl
	}
	if treatmentAllocation >= 1 {
		return model.ArmTreatment
	}
	h := fnv.New64a()
	h.Write([]byte(siteID)) //nolint:errcheck
	bucket := h.Sum64() % allocationBuckets
	if bucket < uint64(treatmentAllocation*allocationBuckets) {
		return model.ArmTreatment
	}
	return model.ArmControl
}

// ExperimentAnalysis is the statistical readout of a running experiment.
type ExperimentAnalysis struct {
	ExperimentID string `json:"experiment_id"`

	Control   ArmCounts `json:"control"`
	Treatment ArmCounts `json:"treatment"`

	ControlAccuracy   float64 `json:"control_accuracy"`
	TreatmentAccuracy float64 `json:"treatment_accuracy"`

	// PValue is nil until both arms reach the minimum analyzable size.
	ChiSquare *float64 `json:"chi_square,omitempty"`
	PValue    *float64 `json:"p_value,omitempty"`

	IsSignificant bool         `json:"is_significant"`
	Winner        model.Winner `json:"winner"`
	WinnerReason  string       `json:"winner_reason,omitempty"`

	// ReadyToConclude is set once both arms reach the experiment's
	// configured minimum sample size.
	ReadyToConclude bool `json:"ready_to_conclude"`
}

// ExperimentManager drives the A/B lifecycle: creation, start, analysis,
// and conclusion with optional winner promotion.
type ExperimentManager struct {
	store  Store
	logger *zap.Logger

	// minAnalyzeSamples is the per-arm floor below which no significance
	// test is attempted.
	minAnalyzeSamples int
	significanceLevel float64

	// invalidate is called after a conclusion so cached weight
	// resolutions reload.
	invalidate func()
}

// NewExperimentManager creates an ExperimentManager. minAnalyzeSamples and
// significanceLevel fall back to 20 and 0.05 when non-positive. invalidate
// may be nil.
func NewExperimentManager(store Store, minAnalyzeSamples int, significanceLevel float64, invalidate func()) *ExperimentManager {
	if minAnalyzeSamples <= 0 {
		minAnalyzeSamples = 20
	}
	if significanceLevel <= 0 {
		significanceLevel = 0.05
	}
	if invalidate == nil {
		invalidate = func() {}
	}
	return &ExperimentManager{
		store:             store,
		logger:            zap.L().With(zap.String("component", "experiment")),
		minAnalyzeSamples: minAnalyzeSamples,
		significanceLevel: significanceLevel,
		invalidate:        invalidate,
	}
}

// Create validates arm configs exist and persists a draft experiment.
func (m *ExperimentManager) Create(ctx context.Context, exp *model.CalibrationExperiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	for _, id := range []string{exp.ControlConfigID, exp.TreatmentConfigID} {
		cfg, err := m.store.GetConfig(ctx, id)
		if err != nil {
			return err
		}
		if cfg == nil {
			return eris.Errorf("experiment: config not found: %s", id)
		}
	}
	if err := m.store.CreateExperiment(ctx, exp); err != nil {
		return err
	}
	m.logger.Info("created experiment",
		zap.String("experiment_id", exp.ID),
		zap.String("name", exp.Name),
		zap.Float64("treatment_allocation", exp.TreatmentAllocation))
	return nil
}

// Start transitions a draft experiment to running. The storage layer
// guarantees at most one running experiment.
func (m *ExperimentManager) Start(ctx context.Context, id string) error {
	if running, err := m.store.GetRunningExperiment(ctx); err != nil {
		return err
	} else if running != nil && running.ID != id {
		return eris.Errorf("experiment: %s is already running", running.ID)
	}
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp == nil {
		return eris.Errorf("experiment not found: %s", id)
	}
	// Both arm configs must still exist; the experiment may have been
	// created against a store snapshot that has since changed.
	for _, cfgID := range []string{exp.ControlConfigID, exp.TreatmentConfigID} {
		cfg, err := m.store.GetConfig(ctx, cfgID)
		if err != nil {
			return err
		}
		if cfg == nil {
			return eris.Errorf("experiment: config not found: %s", cfgID)
		}
	}
	if err := m.store.StartExperiment(ctx, id); err != nil {
		return err
	}
	m.logger.Info("started experiment", zap.String("experiment_id", id))
	return nil
}

// ArmAssignment is the deterministic routing of one site inside an
// experiment.
type ArmAssignment struct {
	ExperimentID string    `json:"experiment_id"`
	SiteID       string    `json:"site_id"`
	Arm          model.Arm `json:"arm"`
	ConfigID     string    `json:"config_id"`
}

// Assignment resolves which arm a site is routed to. Only running
// experiments route traffic; draft and concluded ones reject the lookup.
func (m *ExperimentManager) Assignment(ctx context.Context, experimentID, siteID string) (*ArmAssignment, error) {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, eris.Errorf("experiment not found: %s", experimentID)
	}
	if exp.Status != model.ExperimentStatusRunning {
		return nil, eris.Errorf("experiment not running: %s (status %s)", experimentID, exp.Status)
	}
	arm := AssignArm(siteID, exp.TreatmentAllocation)
	return &ArmAssignment{
		ExperimentID: exp.ID,
		SiteID:       siteID,
		Arm:          arm,
		ConfigID:     exp.ConfigForArm(arm),
	}, nil
}

// RefreshCounts recomputes and persists the per-arm sample counters.
func (m *ExperimentManager) RefreshCounts(ctx context.Context, exp *model.CalibrationExperiment) error {
	control, err := m.store.CountExperimentSamples(ctx, exp.ID, exp.ControlConfigID)
	if err != nil {
		return err
	}
	treatment, err := m.store.CountExperimentSamples(ctx, exp.ID, exp.TreatmentConfigID)
	if err != nil {
		return err
	}
	exp.ControlSamples = control
	exp.TreatmentSamples = treatment
	return m.store.UpdateExperimentCounts(ctx, exp.ID, control, treatment)
}

// Analyze computes per-arm accuracy and, once both arms carry enough
// classified samples, a chi-squared significance test with continuity
// correction. Analysis never mutates the experiment.
func (m *ExperimentManager) Analyze(ctx context.Context, id string) (*ExperimentAnalysis, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, eris.Errorf("experiment not found: %s", id)
	}

	control, err := m.store.ArmOutcomeCounts(ctx, exp.ID, exp.ControlConfigID)
	if err != nil {
		return nil, err
	}
	treatment, err := m.store.ArmOutcomeCounts(ctx, exp.ID, exp.TreatmentConfigID)
	if err != nil {
		return nil, err
	}

	analysis := &ExperimentAnalysis{
		ExperimentID: exp.ID,
		Control:      control,
		Treatment:    treatment,
		Winner:       model.WinnerNone,
	}
	analysis.ControlAccuracy, analysis.TreatmentAccuracy = twoProportionRates(control, treatment)
	analysis.ReadyToConclude = control.Total >= exp.MinSamplesPerArm && treatment.Total >= exp.MinSamplesPerArm

	if control.Total < m.minAnalyzeSamples || treatment.Total < m.minAnalyzeSamples {
		analysis.WinnerReason = fmt.Sprintf("insufficient samples for significance test (control %d, treatment %d, need %d per arm)",
			control.Total, treatment.Total, m.minAnalyzeSamples)
		return analysis, nil
	}

	chi, p := chiSquare2x2(control.Accurate, control.Total, treatment.Accurate, treatment.Total, true)
	analysis.ChiSquare = &chi
	analysis.PValue = &p
	analysis.IsSignificant = p < m.significanceLevel

	delta := analysis.TreatmentAccuracy - analysis.ControlAccuracy
	if !analysis.IsSignificant {
		analysis.WinnerReason = fmt.Sprintf("accuracy delta %+.3f not significant (p=%.4f)", delta, p)
		return analysis, nil
	}
	if delta > 0 {
		analysis.Winner = model.WinnerTreatment
	} else {
		analysis.Winner = model.WinnerControl
	}
	analysis.WinnerReason = fmt.Sprintf("%s accuracy %.3f vs %.3f (delta %+.3f, p=%.4f)",
		analysis.Winner, analysis.TreatmentAccuracy, analysis.ControlAccuracy, delta, p)
	return analysis, nil
}

// Conclude finalizes a running experiment with the current analysis. Both
// arms must have reached MinSamplesPerArm classified samples. When
// promoteWinner is set and the analysis found a significant winner, that
// arm's config is activated in the same transaction.
func (m *ExperimentManager) Conclude(ctx context.Context, id string, promoteWinner bool) (*ExperimentAnalysis, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, eris.Errorf("experiment not found: %s", id)
	}
	if exp.Status != model.ExperimentStatusRunning {
		return nil, eris.Errorf("experiment not running: %s", id)
	}

	analysis, err := m.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}
	if !analysis.ReadyToConclude {
		return nil, eris.Errorf("experiment: not ready to conclude: control %d, treatment %d classified samples, need %d per arm",
			analysis.Control.Total, analysis.Treatment.Total, exp.MinSamplesPerArm)
	}

	exp.ControlSamples = analysis.Control.Total
	exp.TreatmentSamples = analysis.Treatment.Total
	exp.ControlAccuracy = &analysis.ControlAccuracy
	exp.TreatmentAccuracy = &analysis.TreatmentAccuracy
	exp.PValue = analysis.PValue
	exp.IsSignificant = analysis.IsSignificant
	exp.Winner = analysis.Winner
	exp.WinnerReason = analysis.WinnerReason

	var activateConfigID string
	if promoteWinner && analysis.IsSignificant && analysis.Winner != model.WinnerNone {
		activateConfigID = exp.ConfigForArm(model.Arm(analysis.Winner))
	}

	if err := m.store.ConcludeExperiment(ctx, exp, activateConfigID); err != nil {
		return nil, err
	}
	// The running experiment is gone either way; resolvers must stop
	// routing sites to its arms.
	m.invalidate()

	m.logger.Info("concluded experiment",
		zap.String("experiment_id", id),
		zap.String("winner", string(exp.Winner)),
		zap.Bool("significant", exp.IsSignificant),
		zap.String("promoted_config", activateConfigID))
	return analysis, nil
}
