package calibration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avgjoe1017/findable/internal/model"
)

// ResolvedWeights is the scoring configuration a site should be scored
// with, plus where it came from.
type ResolvedWeights struct {
	Config model.CalibrationConfig `json:"config"`

	// Source is "experiment", "active", or "default".
	Source string `json:"source"`

	ExperimentID  string    `json:"experiment_id,omitempty"`
	ExperimentArm model.Arm `json:"experiment_arm,omitempty"`
}

// weightsCache caches the resolution inputs (running experiment and active
// config) with TTL expiration so scoring does not hit the store per site.
type weightsCache struct {
	mu       sync.RWMutex
	loadedAt time.Time
	ttl      time.Duration

	experiment     *model.CalibrationExperiment
	experimentCfgs map[string]*model.CalibrationConfig
	activeConfig   *model.CalibrationConfig
}

func (c *weightsCache) get() (*model.CalibrationExperiment, map[string]*model.CalibrationConfig, *model.CalibrationConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loadedAt.IsZero() || time.Since(c.loadedAt) > c.ttl {
		return nil, nil, nil, false
	}
	return c.experiment, c.experimentCfgs, c.activeConfig, true
}

func (c *weightsCache) put(exp *model.CalibrationExperiment, cfgs map[string]*model.CalibrationConfig, active *model.CalibrationConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.experiment = exp
	c.experimentCfgs = cfgs
	c.activeConfig = active
	c.loadedAt = time.Now()
}

// invalidate drops the cached state so the next resolution reloads.
func (c *weightsCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
	c.experiment = nil
	c.experimentCfgs = nil
	c.activeConfig = nil
}

// Resolver answers "which weights should this site be scored with right
// now": the running experiment's arm config if one is running, else the
// active config, else the fixed defaults.
type Resolver struct {
	store  Store
	cache  weightsCache
	logger *zap.Logger
}

// NewResolver creates a Resolver with the given cache TTL.
func NewResolver(store Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	r := &Resolver{
		store:  store,
		logger: zap.L().With(zap.String("component", "resolver")),
	}
	r.cache.ttl = ttl
	return r
}

// Invalidate drops cached state. Called after config activations and
// experiment transitions.
func (r *Resolver) Invalidate() {
	r.cache.invalidate()
}

// WeightsForSite resolves the effective scoring config for one site.
func (r *Resolver) WeightsForSite(ctx context.Context, siteID string) (*ResolvedWeights, error) {
	exp, cfgs, active, ok := r.cache.get()
	if !ok {
		var err error
		exp, cfgs, active, err = r.load(ctx)
		if err != nil {
			return nil, err
		}
		r.cache.put(exp, cfgs, active)
	}

	if exp != nil {
		arm := AssignArm(siteID, exp.TreatmentAllocation)
		if cfg := cfgs[exp.ConfigForArm(arm)]; cfg != nil {
			return &ResolvedWeights{
				Config:        *cfg,
				Source:        "experiment",
				ExperimentID:  exp.ID,
				ExperimentArm: arm,
			}, nil
		}
	}
	if active != nil {
		return &ResolvedWeights{Config: *active, Source: "active"}, nil
	}
	return &ResolvedWeights{Config: model.DefaultCalibrationConfig(), Source: "default"}, nil
}

func (r *Resolver) load(ctx context.Context) (*model.CalibrationExperiment, map[string]*model.CalibrationConfig, *model.CalibrationConfig, error) {
	exp, err := r.store.GetRunningExperiment(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	cfgs := make(map[string]*model.CalibrationConfig)
	if exp != nil {
		for _, id := range []string{exp.ControlConfigID, exp.TreatmentConfigID} {
			cfg, err := r.store.GetConfig(ctx, id)
			if err != nil {
				return nil, nil, nil, err
			}
			if cfg == nil {
				r.logger.Warn("experiment references missing config",
					zap.String("experiment_id", exp.ID),
					zap.String("config_id", id))
				continue
			}
			cfgs[id] = cfg
		}
	}

	active, err := r.store.GetActiveConfig(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return exp, cfgs, active, nil
}
