package calibration

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avgjoe1017/findable/internal/model"
)

// Collector reconciles finished simulation and observation outputs for a
// run into immutable calibration samples.
type Collector struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewCollector creates a Collector backed by the given store.
func NewCollector(store Store) *Collector {
	return &Collector{
		store:  store,
		logger: zap.L().With(zap.String("component", "collector")),
		now:    time.Now,
	}
}

// CollectResult reports what a collection attempt produced. A zero-sample
// result with Reasons is an expected outcome, not an error: unresolved
// inputs abort collection without failing the caller's pipeline.
type CollectResult struct {
	RunID   string `json:"run_id"`
	SiteID  string `json:"site_id,omitempty"`
	Matched int    `json:"matched"`
	Skipped int    `json:"skipped"`

	Inserted int64 `json:"inserted"`

	// AlreadyCollected is set when samples for the run exist; the run is
	// left untouched.
	AlreadyCollected bool `json:"already_collected,omitempty"`

	Reasons []string `json:"reasons,omitempty"`
}

// Collect pairs per-question predictions with per-question observations,
// classifies each pair's outcome, and bulk-inserts the resulting samples.
// Questions present on only one side are skipped; a run with no resolvable
// site or mismatched run ids yields a zero-sample result with reasons.
func (c *Collector) Collect(ctx context.Context, sim *model.SimulationResult, obs *model.ObservationResult) (*CollectResult, error) {
	result := &CollectResult{}
	if sim == nil || obs == nil {
		result.Reasons = append(result.Reasons, "missing simulation or observation input")
		return result, nil
	}
	result.RunID = sim.RunID
	result.SiteID = sim.SiteID

	if sim.RunID == "" {
		result.Reasons = append(result.Reasons, "simulation has no run id")
	}
	if sim.SiteID == "" {
		result.Reasons = append(result.Reasons, "simulation has no site id")
	}
	if obs.RunID != "" && obs.RunID != sim.RunID {
		result.Reasons = append(result.Reasons, "observation run id does not match simulation run id")
	}
	if len(result.Reasons) > 0 {
		c.logger.Warn("collection aborted",
			zap.String("run_id", sim.RunID),
			zap.Strings("reasons", result.Reasons))
		return result, nil
	}

	// Collection is idempotent per run: a retry after a completed insert
	// is a no-op, never a duplicate.
	exists, err := c.store.RunHasSamples(ctx, sim.RunID)
	if err != nil {
		return nil, eris.Wrap(err, "collector: check existing samples")
	}
	if exists {
		result.AlreadyCollected = true
		c.logger.Info("run already collected", zap.String("run_id", sim.RunID))
		return result, nil
	}

	configID, experimentID, arm, err := c.resolveAttribution(ctx, sim.SiteID)
	if err != nil {
		return nil, err
	}

	observations := make(map[string]*model.QuestionObservation, len(obs.Questions))
	for i := range obs.Questions {
		observations[obs.Questions[i].QuestionID] = &obs.Questions[i]
	}

	now := c.now().UTC()
	samples := make([]model.CalibrationSample, 0, len(sim.Questions))
	for i := range sim.Questions {
		pred := &sim.Questions[i]
		ob, ok := observations[pred.QuestionID]
		if !ok || pred.QuestionID == "" {
			result.Skipped++
			continue
		}

		outcome, accurate := model.ClassifyOutcome(pred.Answerability, ob.Mentioned, ob.Cited)
		samples = append(samples, model.CalibrationSample{
			ID:         uuid.New().String(),
			SiteID:     sim.SiteID,
			RunID:      sim.RunID,
			QuestionID: pred.QuestionID,

			PredictedAnswerability: pred.Answerability,
			PredictedConfidence:    pred.Confidence,
			SignalsFound:           pred.SignalsFound,
			SignalsTotal:           pred.SignalsTotal,
			RelevanceScore:         pred.Relevance,
			SourcePrimacy:          pred.SourcePrimacy,

			ObservedMentioned:  ob.Mentioned,
			ObservedCited:      ob.Cited,
			ObservedSentiment:  ob.Sentiment,
			ObservedConfidence: ob.Confidence,
			Provider:           ob.Provider,
			Model:              ob.Model,

			Outcome:            outcome,
			PredictionAccurate: accurate,

			QuestionCategory:   pred.Category,
			QuestionDifficulty: pred.Difficulty,
			QuestionText:       pred.Text,
			SiteType:           sim.SiteType,
			Industry:           sim.Industry,

			PillarScores: questionPillarSnapshot(sim.PillarScores, pred),

			ConfigID:      configID,
			ExperimentID:  experimentID,
			ExperimentArm: arm,
			CreatedAt:     now,
		})
	}
	result.Matched = len(samples)

	// Unmatched questions on the observation side are also skips.
	result.Skipped += countUnmatchedObservations(sim, obs)

	if len(samples) == 0 {
		result.Reasons = append(result.Reasons, "no question predictions matched an observation")
		c.logger.Warn("collection produced no samples", zap.String("run_id", sim.RunID))
		return result, nil
	}

	inserted, err := c.store.InsertSamples(ctx, samples)
	if err != nil {
		return nil, eris.Wrapf(err, "collector: insert samples for run %s", sim.RunID)
	}
	result.Inserted = inserted

	c.logger.Info("collected calibration samples",
		zap.String("run_id", sim.RunID),
		zap.String("site_id", sim.SiteID),
		zap.Int("matched", result.Matched),
		zap.Int("skipped", result.Skipped),
		zap.Int64("inserted", inserted))
	return result, nil
}

// resolveAttribution looks up the running experiment (and the arm this site
// hashes into) or, failing that, the active config. One lookup per run, not
// per question.
func (c *Collector) resolveAttribution(ctx context.Context, siteID string) (configID, experimentID, arm *string, err error) {
	exp, err := c.store.GetRunningExperiment(ctx)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "collector: lookup running experiment")
	}
	if exp != nil {
		a := AssignArm(siteID, exp.TreatmentAllocation)
		cfgID := exp.ConfigForArm(a)
		armStr := string(a)
		return &cfgID, &exp.ID, &armStr, nil
	}

	cfg, err := c.store.GetActiveConfig(ctx)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "collector: lookup active config")
	}
	if cfg != nil {
		return &cfg.ID, nil, nil, nil
	}
	return nil, nil, nil, nil
}

// questionPillarSnapshot specializes the site-level pillar snapshot to one
// question: retrieval reflects the per-question prediction confidence and
// coverage reflects the answerability class.
func questionPillarSnapshot(site model.PillarScores, pred *model.QuestionPrediction) model.PillarScores {
	p := site
	p.Retrieval = clamp(pred.Confidence, 0, 100)
	p.Coverage = model.AnswerabilityCoverage(pred.Answerability)
	return p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func countUnmatchedObservations(sim *model.SimulationResult, obs *model.ObservationResult) int {
	predicted := make(map[string]struct{}, len(sim.Questions))
	for i := range sim.Questions {
		predicted[sim.Questions[i].QuestionID] = struct{}{}
	}
	var n int
	for i := range obs.Questions {
		if _, ok := predicted[obs.Questions[i].QuestionID]; !ok {
			n++
		}
	}
	return n
}
