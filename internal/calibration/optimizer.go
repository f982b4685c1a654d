package calibration

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avgjoe1017/findable/internal/model"
)

// OptimizeParams controls a weight optimization run.
type OptimizeParams struct {
	// WindowDays bounds the sample window ending now.
	WindowDays int `yaml:"window_days" mapstructure:"window_days"`

	// MinSamples is the minimum classified sample count required to run.
	MinSamples int `yaml:"min_samples" mapstructure:"min_samples"`

	// HoldoutFraction of sites reserved for validation, in (0, 0.5].
	HoldoutFraction float64 `yaml:"holdout_fraction" mapstructure:"holdout_fraction"`

	// MinImprovement is the holdout-fitness gain over the baseline
	// required before a candidate config is persisted.
	MinImprovement float64 `yaml:"min_improvement" mapstructure:"min_improvement"`

	// GridStep is the coarse lattice step in weight points.
	GridStep int `yaml:"grid_step" mapstructure:"grid_step"`

	// MaxWeightDistance bounds the total point deviation from the default
	// vector; zero disables the bound.
	MaxWeightDistance float64 `yaml:"max_weight_distance" mapstructure:"max_weight_distance"`

	// MaxEvaluations soft-caps total candidate evaluations.
	MaxEvaluations int `yaml:"max_evaluations" mapstructure:"max_evaluations"`

	// FinePhase enables the local refinement pass around the coarse best.
	FinePhase bool `yaml:"fine_phase" mapstructure:"fine_phase"`

	// BiasPenalty scales how strongly asymmetric error (optimism vs
	// pessimism imbalance) is penalized in the fitness.
	BiasPenalty float64 `yaml:"bias_penalty" mapstructure:"bias_penalty"`

	// ConfigName names the persisted candidate config.
	ConfigName string `yaml:"config_name" mapstructure:"config_name"`
}

// DefaultOptimizeParams returns the standard optimization parameters.
func DefaultOptimizeParams() OptimizeParams {
	return OptimizeParams{
		WindowDays:        60,
		MinSamples:        50,
		HoldoutFraction:   0.2,
		MinImprovement:    0.02,
		GridStep:          5,
		MaxWeightDistance: 50,
		MaxEvaluations:    250000,
		FinePhase:         true,
		BiasPenalty:       0.5,
		ConfigName:        "grid-search",
	}
}

// CandidateMetrics are the evaluation metrics of one candidate on one
// sample set. Rates are fractions in [0, 1].
type CandidateMetrics struct {
	Samples       int     `json:"samples"`
	Accuracy      float64 `json:"accuracy"`
	OptimismRate  float64 `json:"optimism_rate"`
	PessimismRate float64 `json:"pessimism_rate"`
	Fitness       float64 `json:"fitness"`
}

// OptimizeResult is the full report of an optimization run. The report is
// complete even when no candidate config was persisted.
type OptimizeResult struct {
	TrainSamples   int `json:"train_samples"`
	HoldoutSamples int `json:"holdout_samples"`
	TrainSites     int `json:"train_sites"`
	HoldoutSites   int `json:"holdout_sites"`

	Evaluations int  `json:"evaluations"`
	Truncated   bool `json:"truncated,omitempty"`

	Baseline        CandidateMetrics `json:"baseline"`
	BaselineHoldout CandidateMetrics `json:"baseline_holdout"`
	Best            CandidateMetrics `json:"best"`
	Holdout         CandidateMetrics `json:"holdout"`

	BestWeights      model.PillarWeights `json:"best_weights"`
	BestThreshold    float64             `json:"best_threshold"`
	BestPrimacyBonus float64             `json:"best_primacy_bonus"`

	// Improvement is the training-fitness gain over the baseline;
	// HoldoutImprovement is the same gain measured on the holdout set.
	// Persistence is decided on the holdout number.
	Improvement        float64 `json:"improvement"`
	HoldoutImprovement float64 `json:"holdout_improvement"`

	// IsImprovement reports whether the winner beat the baseline on the
	// holdout at all; ImprovementSufficient whether the gain cleared
	// MinImprovement.
	IsImprovement         bool `json:"is_improvement"`
	ImprovementSufficient bool `json:"improvement_sufficient"`

	// OverfitWarning is set when training accuracy exceeds holdout
	// accuracy by more than ten points.
	OverfitWarning bool `json:"overfit_warning,omitempty"`

	// ConfigID is set when a candidate config was persisted.
	ConfigID string `json:"config_id,omitempty"`

	Warnings []string      `json:"warnings,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Optimizer runs constrained grid search over pillar weight vectors.
type Optimizer struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewOptimizer creates an Optimizer backed by the given store.
func NewOptimizer(store Store) *Optimizer {
	return &Optimizer{
		store:  store,
		logger: zap.L().With(zap.String("component", "optimizer")),
		now:    time.Now,
	}
}

// evalSample is the compact per-sample view the hot loop iterates over.
type evalSample struct {
	pillars   [7]float64
	primacy   float64
	favorable bool
}

// candidate is one point in the search space.
type candidate struct {
	weights      model.PillarWeights
	threshold    float64
	primacyBonus float64
}

// Optimize loads the recent sample window, splits it by site into train and
// holdout partitions, searches the constrained weight lattice for the
// candidate with the best bias-adjusted accuracy on the training set, and
// validates the winner on the holdout before persisting it as a validated
// config. Exceeding MaxEvaluations truncates the search but still reports
// the best candidate found.
func (o *Optimizer) Optimize(ctx context.Context, params OptimizeParams) (*OptimizeResult, error) {
	start := o.now()
	result := &OptimizeResult{}

	if params.WindowDays <= 0 || params.MinSamples <= 0 {
		return nil, eris.New("optimizer: window_days and min_samples must be positive")
	}
	if params.HoldoutFraction <= 0 || params.HoldoutFraction > 0.5 {
		return nil, eris.Errorf("optimizer: holdout_fraction %.2f outside (0, 0.5]", params.HoldoutFraction)
	}
	if params.ConfigName == "" {
		params.ConfigName = "grid-search"
	}

	until := o.now().UTC()
	since := until.AddDate(0, 0, -params.WindowDays)
	samples, err := o.store.ListSamples(ctx, SampleFilter{
		Since:          since,
		Until:          until,
		ExcludeUnknown: true,
		Limit:          200000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "optimizer: load samples")
	}
	if len(samples) < params.MinSamples {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("insufficient samples: have %d, need %d", len(samples), params.MinSamples))
		result.Elapsed = o.now().Sub(start)
		o.logger.Warn("optimization skipped",
			zap.Int("samples", len(samples)),
			zap.Int("min_samples", params.MinSamples))
		return result, nil
	}

	train, holdout, trainSites, holdoutSites := splitBySite(samples, params.HoldoutFraction)
	result.TrainSamples = len(train)
	result.HoldoutSamples = len(holdout)
	result.TrainSites = trainSites
	result.HoldoutSites = holdoutSites
	if len(train) == 0 || len(holdout) == 0 {
		result.Warnings = append(result.Warnings, "site split left an empty partition")
		result.Elapsed = o.now().Sub(start)
		return result, nil
	}

	// Baseline: default weights at the default partial-answerability
	// threshold, no primacy bonus.
	baselineCand := candidate{
		weights:   model.DefaultPillarWeights(),
		threshold: model.DefaultPartiallyAnswerableThreshold,
	}
	result.Baseline = evaluateCandidate(baselineCand, train, params.BiasPenalty)

	grid := enumerateWeightGrid(params.GridStep, params.MaxWeightDistance)
	o.logger.Info("starting grid search",
		zap.Int("grid_size", len(grid)),
		zap.Int("train_samples", len(train)),
		zap.Int("holdout_samples", len(holdout)))

	best, evals, truncated, err := o.searchCoarse(ctx, grid, baselineCand.threshold, train, params)
	if err != nil {
		return nil, err
	}
	result.Evaluations = evals
	result.Truncated = truncated

	if params.FinePhase && !truncated {
		best, evals, err = o.searchFine(ctx, best, train, params, result.Evaluations)
		if err != nil {
			return nil, err
		}
		result.Evaluations = evals
	}

	result.Best = evaluateCandidate(best, train, params.BiasPenalty)
	result.BestWeights = best.weights
	result.BestThreshold = best.threshold
	result.BestPrimacyBonus = best.primacyBonus
	result.Improvement = result.Best.Fitness - result.Baseline.Fitness

	// The persistence decision compares winner and baseline on the same
	// holdout partition; the training gain alone is not trusted.
	result.Holdout = evaluateCandidate(best, holdout, params.BiasPenalty)
	result.BaselineHoldout = evaluateCandidate(baselineCand, holdout, params.BiasPenalty)
	result.HoldoutImprovement = result.Holdout.Fitness - result.BaselineHoldout.Fitness
	result.IsImprovement = result.HoldoutImprovement > 0
	result.ImprovementSufficient = result.HoldoutImprovement >= params.MinImprovement
	if result.Best.Accuracy-result.Holdout.Accuracy > 0.10 {
		result.OverfitWarning = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("training accuracy %.3f exceeds holdout accuracy %.3f by more than 0.10",
				result.Best.Accuracy, result.Holdout.Accuracy))
	}

	if !result.ImprovementSufficient {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("holdout improvement %.4f below minimum %.4f; candidate not persisted",
				result.HoldoutImprovement, params.MinImprovement))
	} else if result.OverfitWarning {
		result.Warnings = append(result.Warnings, "overfit suspected; candidate not persisted")
	} else {
		cfg := o.buildCandidateConfig(params.ConfigName, best, result)
		if err := o.store.CreateConfig(ctx, cfg); err != nil {
			return nil, eris.Wrap(err, "optimizer: persist candidate config")
		}
		result.ConfigID = cfg.ID
		o.logger.Info("persisted candidate config",
			zap.String("config_id", cfg.ID),
			zap.Float64("holdout_accuracy", result.Holdout.Accuracy))
	}

	result.Elapsed = o.now().Sub(start)
	o.logger.Info("optimization finished",
		zap.Int("evaluations", result.Evaluations),
		zap.Bool("truncated", result.Truncated),
		zap.Float64("holdout_improvement", result.HoldoutImprovement),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// searchCoarse evaluates the full lattice at the baseline threshold in
// parallel. Workers keep a local best and the reducer picks the winner
// deterministically.
func (o *Optimizer) searchCoarse(ctx context.Context, grid []model.PillarWeights, threshold float64, train []evalSample, params OptimizeParams) (candidate, int, bool, error) {
	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	if workers < 1 {
		workers = 1
	}

	limit := len(grid)
	truncated := false
	if params.MaxEvaluations > 0 && limit > params.MaxEvaluations {
		limit = params.MaxEvaluations
		truncated = true
	}

	type localBest struct {
		cand    candidate
		metrics CandidateMetrics
		ok      bool
	}
	bests := make([]localBest, workers)

	g, ctx := errgroup.WithContext(ctx)
	chunk := (limit + workers - 1) / workers
	for w := 0; w < workers; w++ {
		w := w
		lo := w * chunk
		hi := lo + chunk
		if hi > limit {
			hi = limit
		}
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if i%4096 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}
				cand := candidate{weights: grid[i], threshold: threshold}
				m := evaluateCandidate(cand, train, params.BiasPenalty)
				if !bests[w].ok || betterCandidate(m, cand, bests[w].metrics, bests[w].cand) {
					bests[w] = localBest{cand: cand, metrics: m, ok: true}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidate{}, 0, false, eris.Wrap(err, "optimizer: coarse search")
	}

	best := candidate{weights: model.DefaultPillarWeights(), threshold: threshold}
	bestMetrics := evaluateCandidate(best, train, params.BiasPenalty)
	for _, lb := range bests {
		if lb.ok && betterCandidate(lb.metrics, lb.cand, bestMetrics, best) {
			best, bestMetrics = lb.cand, lb.metrics
		}
	}
	return best, limit, truncated, nil
}

// searchFine refines the coarse winner: bounded pairwise weight transfers,
// nearby thresholds, and a primacy bonus sweep when any sample carries
// source primacy.
func (o *Optimizer) searchFine(ctx context.Context, base candidate, train []evalSample, params OptimizeParams, evalsSoFar int) (candidate, int, error) {
	weightCands := append(neighborWeightVectors(base.weights, []float64{2, 4}), base.weights)

	var thresholds []float64
	for t := base.threshold - 10; t <= base.threshold+10; t += 2 {
		if t >= 0 && t <= 100 {
			thresholds = append(thresholds, t)
		}
	}

	bonuses := []float64{0}
	for _, s := range train {
		if s.primacy > 0 {
			bonuses = []float64{0, 2.5, 5, 7.5, 10}
			break
		}
	}

	best := base
	bestMetrics := evaluateCandidate(base, train, params.BiasPenalty)
	evals := evalsSoFar

	for _, w := range weightCands {
		select {
		case <-ctx.Done():
			return best, evals, eris.Wrap(ctx.Err(), "optimizer: fine search")
		default:
		}
		for _, t := range thresholds {
			for _, b := range bonuses {
				if params.MaxEvaluations > 0 && evals >= params.MaxEvaluations {
					return best, evals, nil
				}
				cand := candidate{weights: w, threshold: t, primacyBonus: b}
				m := evaluateCandidate(cand, train, params.BiasPenalty)
				evals++
				if betterCandidate(m, cand, bestMetrics, best) {
					best, bestMetrics = cand, m
				}
			}
		}
	}
	return best, evals, nil
}

// evaluateCandidate scores every sample with the candidate's weights and
// classifies prediction-vs-observation agreement at the candidate's
// threshold. Fitness is accuracy penalized by error asymmetry.
func evaluateCandidate(cand candidate, samples []evalSample, biasPenalty float64) CandidateMetrics {
	wv := cand.weights.Values()
	var correct, optimistic, pessimistic int
	for i := range samples {
		s := &samples[i]
		var score float64
		for j := 0; j < 7; j++ {
			score += wv[j] * s.pillars[j]
		}
		score = score/model.WeightTotal + cand.primacyBonus*s.primacy
		predictedFavorable := score >= cand.threshold

		switch {
		case predictedFavorable == s.favorable:
			correct++
		case predictedFavorable:
			optimistic++
		default:
			pessimistic++
		}
	}

	n := len(samples)
	m := CandidateMetrics{Samples: n}
	if n == 0 {
		return m
	}
	m.Accuracy = float64(correct) / float64(n)
	m.OptimismRate = float64(optimistic) / float64(n)
	m.PessimismRate = float64(pessimistic) / float64(n)
	m.Fitness = m.Accuracy - biasPenalty*math.Abs(m.OptimismRate-m.PessimismRate)
	return m
}

// betterCandidate orders candidates by fitness with a deterministic
// tie-break so parallel runs always reduce to the same winner.
func betterCandidate(m CandidateMetrics, c candidate, bestM CandidateMetrics, best candidate) bool {
	if m.Fitness != bestM.Fitness {
		return m.Fitness > bestM.Fitness
	}
	// Prefer the vector closer to the defaults, then lexicographic order.
	defaults := model.DefaultPillarWeights()
	dc, db := c.weights.Distance(defaults), best.weights.Distance(defaults)
	if dc != db {
		return dc < db
	}
	cv, bv := c.weights.Values(), best.weights.Values()
	for i := range cv {
		if cv[i] != bv[i] {
			return cv[i] < bv[i]
		}
	}
	if c.threshold != best.threshold {
		return c.threshold < best.threshold
	}
	return c.primacyBonus < best.primacyBonus
}

// splitBySite partitions samples into train and holdout sets with site
// granularity: every sample from one site lands on the same side. The
// split is deterministic, ordering sites by FNV-64a hash and reserving the
// first ceil(fraction*n) for holdout.
func splitBySite(samples []model.CalibrationSample, fraction float64) (train, holdout []evalSample, trainSites, holdoutSites int) {
	siteHash := make(map[string]uint64)
	for i := range samples {
		id := samples[i].SiteID
		if _, ok := siteHash[id]; !ok {
			siteHash[id] = hashSiteID(id)
		}
	}

	sites := make([]string, 0, len(siteHash))
	for id := range siteHash {
		sites = append(sites, id)
	}
	sort.Slice(sites, func(i, j int) bool {
		hi, hj := siteHash[sites[i]], siteHash[sites[j]]
		if hi != hj {
			return hi < hj
		}
		return sites[i] < sites[j]
	})

	holdoutCount := int(math.Ceil(fraction * float64(len(sites))))
	if holdoutCount >= len(sites) {
		holdoutCount = len(sites) - 1
	}
	holdoutSet := make(map[string]struct{}, holdoutCount)
	for _, id := range sites[:holdoutCount] {
		holdoutSet[id] = struct{}{}
	}
	holdoutSites = holdoutCount
	trainSites = len(sites) - holdoutCount

	for i := range samples {
		sm := &samples[i]
		if sm.ObservedMentioned == nil {
			continue
		}
		es := evalSample{
			pillars:   sm.PillarScores.Values(),
			primacy:   sm.SourcePrimacy,
			favorable: *sm.ObservedMentioned || (sm.ObservedCited != nil && *sm.ObservedCited),
		}
		if _, ok := holdoutSet[sm.SiteID]; ok {
			holdout = append(holdout, es)
		} else {
			train = append(train, es)
		}
	}
	return train, holdout, trainSites, holdoutSites
}

func hashSiteID(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id)) //nolint:errcheck
	return h.Sum64()
}

func (o *Optimizer) buildCandidateConfig(name string, best candidate, result *OptimizeResult) *model.CalibrationConfig {
	cfg := model.DefaultCalibrationConfig()
	cfg.Name = name
	cfg.Version = 0
	cfg.Weights = best.weights
	cfg.PartiallyAnswerableThreshold = best.threshold
	if cfg.FullyAnswerableThreshold <= best.threshold {
		cfg.FullyAnswerableThreshold = math.Min(best.threshold+30, 100)
	}
	if best.primacyBonus > 0 {
		// Fold the discovered bonus into the intra-simulation mix,
		// renormalized to sum 1.
		bonusShare := best.primacyBonus / 100
		remain := 1 - bonusShare
		total := cfg.SignalCoverageWeight + cfg.RelevanceWeight
		cfg.SignalCoverageWeight = remain * cfg.SignalCoverageWeight / total
		cfg.RelevanceWeight = remain * cfg.RelevanceWeight / total
		cfg.PrimacyBonusWeight = bonusShare
	}
	cfg.Status = model.ConfigStatusValidated

	acc := result.Holdout.Accuracy
	n := result.Holdout.Samples
	opt := result.Holdout.OptimismRate
	pess := result.Holdout.PessimismRate
	cfg.ValidationAccuracy = &acc
	cfg.ValidationSamples = &n
	cfg.ValidationOptimismBias = &opt
	cfg.ValidationPessimismBias = &pess
	return &cfg
}
