package calibration

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avgjoe1017/findable/internal/model"
)

// DriftParams controls a drift check.
type DriftParams struct {
	// BaselineDays and RecentDays size the two non-overlapping windows:
	// recent covers [now-recent, now], baseline the period before it.
	BaselineDays int `yaml:"baseline_days" mapstructure:"baseline_days"`
	RecentDays   int `yaml:"recent_days" mapstructure:"recent_days"`

	// AccuracyThreshold is the baseline-vs-recent accuracy drop that
	// raises an alert.
	AccuracyThreshold float64 `yaml:"accuracy_threshold" mapstructure:"accuracy_threshold"`

	// BiasThreshold is the absolute optimism or pessimism rate in the
	// recent window that raises an alert.
	BiasThreshold float64 `yaml:"bias_threshold" mapstructure:"bias_threshold"`

	// PillarThreshold raises an alert when a pillar's recent mean departs
	// from baseline by more than this many points; zero disables the check.
	PillarThreshold float64 `yaml:"pillar_threshold" mapstructure:"pillar_threshold"`

	// MinSamples is the per-window floor below which the check is skipped.
	MinSamples int `yaml:"min_samples" mapstructure:"min_samples"`
}

// DefaultDriftParams returns the standard drift-check parameters.
func DefaultDriftParams() DriftParams {
	return DriftParams{
		BaselineDays:      30,
		RecentDays:        7,
		AccuracyThreshold: 0.10,
		BiasThreshold:     0.30,
		PillarThreshold:   0,
		MinSamples:        50,
	}
}

// DriftReport is the outcome of one drift check. A skipped check is a
// normal outcome carrying a reason, not an error.
type DriftReport struct {
	Baseline *WindowStats `json:"baseline,omitempty"`
	Recent   *WindowStats `json:"recent,omitempty"`

	Alerts []model.CalibrationDriftAlert `json:"alerts,omitempty"`

	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// DriftDetector compares a recent sample window against the preceding
// baseline window and raises persisted alerts when calibration degrades.
type DriftDetector struct {
	store    Store
	logger   *zap.Logger
	notifier *Notifier
	now      func() time.Time
}

// NewDriftDetector creates a DriftDetector. notifier may be nil.
func NewDriftDetector(store Store, notifier *Notifier) *DriftDetector {
	return &DriftDetector{
		store:    store,
		logger:   zap.L().With(zap.String("component", "drift")),
		notifier: notifier,
		now:      time.Now,
	}
}

// Check runs one drift evaluation. Every raised alert is persisted and, if
// a notifier is configured, delivered.
func (d *DriftDetector) Check(ctx context.Context, params DriftParams) (*DriftReport, error) {
	if params.BaselineDays <= 0 || params.RecentDays <= 0 {
		return nil, eris.New("drift: baseline_days and recent_days must be positive")
	}
	if params.RecentDays >= params.BaselineDays {
		return nil, eris.Errorf("drift: recent window (%dd) must be shorter than baseline (%dd)",
			params.RecentDays, params.BaselineDays)
	}

	now := d.now().UTC()
	recentStart := now.AddDate(0, 0, -params.RecentDays)
	baselineStart := recentStart.AddDate(0, 0, -params.BaselineDays)

	baseline, err := d.store.WindowStats(ctx, baselineStart, recentStart)
	if err != nil {
		return nil, eris.Wrap(err, "drift: baseline window")
	}
	recent, err := d.store.WindowStats(ctx, recentStart, now)
	if err != nil {
		return nil, eris.Wrap(err, "drift: recent window")
	}

	report := &DriftReport{Baseline: baseline, Recent: recent}
	if baseline.Samples < params.MinSamples || recent.Samples < params.MinSamples {
		report.Skipped = true
		report.SkipReason = "insufficient samples in baseline or recent window"
		d.logger.Info("drift check skipped",
			zap.Int("baseline_samples", baseline.Samples),
			zap.Int("recent_samples", recent.Samples),
			zap.Int("min_samples", params.MinSamples))
		return report, nil
	}

	var alerts []model.CalibrationDriftAlert

	if drop := baseline.Accuracy - recent.Accuracy; drop > params.AccuracyThreshold {
		alerts = append(alerts, model.CalibrationDriftAlert{
			DriftType:      model.DriftTypeAccuracy,
			ExpectedValue:  baseline.Accuracy,
			ObservedValue:  recent.Accuracy,
			DriftMagnitude: drop,
		})
	}
	if recent.OptimismRate > params.BiasThreshold {
		alerts = append(alerts, model.CalibrationDriftAlert{
			DriftType:      model.DriftTypeOptimism,
			ExpectedValue:  params.BiasThreshold,
			ObservedValue:  recent.OptimismRate,
			DriftMagnitude: recent.OptimismRate - params.BiasThreshold,
		})
	}
	if recent.PessimismRate > params.BiasThreshold {
		alerts = append(alerts, model.CalibrationDriftAlert{
			DriftType:      model.DriftTypePessimism,
			ExpectedValue:  params.BiasThreshold,
			ObservedValue:  recent.PessimismRate,
			DriftMagnitude: recent.PessimismRate - params.BiasThreshold,
		})
	}
	if params.PillarThreshold > 0 {
		for _, name := range model.PillarNames() {
			base, rec := baseline.PillarMeans[name], recent.PillarMeans[name]
			if diff := math.Abs(rec - base); diff > params.PillarThreshold {
				alerts = append(alerts, model.CalibrationDriftAlert{
					DriftType:      model.DriftTypePillar,
					Pillar:         name,
					ExpectedValue:  base,
					ObservedValue:  rec,
					DriftMagnitude: diff,
				})
			}
		}
	}

	for i := range alerts {
		a := &alerts[i]
		a.WindowStart = recentStart
		a.WindowEnd = now
		a.WindowSamples = recent.Samples
		bs, be := baselineStart, recentStart
		a.BaselineStart = &bs
		a.BaselineEnd = &be
		a.BaselineSamples = baseline.Samples

		if err := d.store.CreateAlert(ctx, a); err != nil {
			return nil, eris.Wrap(err, "drift: persist alert")
		}
		d.logger.Warn("calibration drift detected",
			zap.String("alert_id", a.ID),
			zap.String("drift_type", string(a.DriftType)),
			zap.String("pillar", a.Pillar),
			zap.Float64("expected", a.ExpectedValue),
			zap.Float64("observed", a.ObservedValue),
			zap.Float64("magnitude", a.DriftMagnitude))

		if d.notifier != nil {
			d.notifier.Notify(ctx, a)
		}
	}
	report.Alerts = alerts
	return report, nil
}

// Watch runs Check on a fixed interval until the context ends.
func (d *DriftDetector) Watch(ctx context.Context, params DriftParams, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.Check(ctx, params); err != nil {
			// A failed check is logged and retried next tick; only
			// cancellation stops the loop.
			d.logger.Error("drift check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
