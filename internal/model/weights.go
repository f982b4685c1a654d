// Package model defines the calibration engine's value types: samples,
// weight configurations, experiments, and drift alerts.
package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Pillar names, in canonical order.
const (
	PillarTechnical         = "technical"
	PillarStructure         = "structure"
	PillarSchema            = "schema"
	PillarAuthority         = "authority"
	PillarEntityRecognition = "entity_recognition"
	PillarRetrieval         = "retrieval"
	PillarCoverage          = "coverage"
)

// PillarNames returns the seven pillar names in canonical order.
func PillarNames() []string {
	return []string{
		PillarTechnical, PillarStructure, PillarSchema, PillarAuthority,
		PillarEntityRecognition, PillarRetrieval, PillarCoverage,
	}
}

// Bounds for a single pillar weight. Weights are integer-valued points
// that must sum to exactly 100 across the seven pillars.
const (
	MinPillarWeight = 5
	MaxPillarWeight = 35
	WeightTotal     = 100
)

// PillarWeights holds the seven scoring-pillar weights.
type PillarWeights struct {
	Technical         float64 `json:"technical" yaml:"technical"`
	Structure         float64 `json:"structure" yaml:"structure"`
	Schema            float64 `json:"schema" yaml:"schema"`
	Authority         float64 `json:"authority" yaml:"authority"`
	EntityRecognition float64 `json:"entity_recognition" yaml:"entity_recognition"`
	Retrieval         float64 `json:"retrieval" yaml:"retrieval"`
	Coverage          float64 `json:"coverage" yaml:"coverage"`
}

// DefaultPillarWeights returns the fixed default weight vector.
// Sum = 100, every weight within [5, 35].
func DefaultPillarWeights() PillarWeights {
	return PillarWeights{
		Technical:         20,
		Structure:         15,
		Schema:            10,
		Authority:         15,
		EntityRecognition: 10,
		Retrieval:         15,
		Coverage:          15,
	}
}

// Values returns the weights in canonical pillar order.
func (w PillarWeights) Values() [7]float64 {
	return [7]float64{
		w.Technical, w.Structure, w.Schema, w.Authority,
		w.EntityRecognition, w.Retrieval, w.Coverage,
	}
}

// FromValues builds a PillarWeights from values in canonical pillar order.
func FromValues(v [7]float64) PillarWeights {
	return PillarWeights{
		Technical:         v[0],
		Structure:         v[1],
		Schema:            v[2],
		Authority:         v[3],
		EntityRecognition: v[4],
		Retrieval:         v[5],
		Coverage:          v[6],
	}
}

// Sum returns the total of all seven weights.
func (w PillarWeights) Sum() float64 {
	var s float64
	for _, v := range w.Values() {
		s += v
	}
	return s
}

// Validate checks the bounds-and-sum constraint: every weight within
// [MinPillarWeight, MaxPillarWeight] and the total exactly WeightTotal.
func (w PillarWeights) Validate() error {
	var errs []string
	names := PillarNames()
	for i, v := range w.Values() {
		if v < MinPillarWeight || v > MaxPillarWeight {
			errs = append(errs, fmt.Sprintf("%s weight %.1f outside [%d, %d]",
				names[i], v, MinPillarWeight, MaxPillarWeight))
		}
	}
	if sum := w.Sum(); math.Abs(sum-WeightTotal) > 1e-9 {
		errs = append(errs, fmt.Sprintf("weights must sum to %d, got %.1f", WeightTotal, sum))
	}
	if len(errs) > 0 {
		return eris.Errorf("weights: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Distance returns the total absolute point deviation from another vector.
func (w PillarWeights) Distance(other PillarWeights) float64 {
	var d float64
	a, b := w.Values(), other.Values()
	for i := range a {
		d += math.Abs(a[i] - b[i])
	}
	return d
}

// Score combines a pillar-score snapshot into a scalar in [0, 100].
func (w PillarWeights) Score(p PillarScores) float64 {
	wv, pv := w.Values(), p.Values()
	var s float64
	for i := range wv {
		s += wv[i] * pv[i]
	}
	return s / WeightTotal
}

// PillarScores is a snapshot of the seven pillar sub-scores (0-100 each)
// captured when a simulated prediction was produced.
type PillarScores struct {
	Technical         float64 `json:"technical"`
	Structure         float64 `json:"structure"`
	Schema            float64 `json:"schema"`
	Authority         float64 `json:"authority"`
	EntityRecognition float64 `json:"entity_recognition"`
	Retrieval         float64 `json:"retrieval"`
	Coverage          float64 `json:"coverage"`
}

// Values returns the scores in canonical pillar order.
func (p PillarScores) Values() [7]float64 {
	return [7]float64{
		p.Technical, p.Structure, p.Schema, p.Authority,
		p.EntityRecognition, p.Retrieval, p.Coverage,
	}
}

// IsZero reports whether the snapshot carries no signal at all.
func (p PillarScores) IsZero() bool {
	for _, v := range p.Values() {
		if v != 0 {
			return false
		}
	}
	return true
}

// ConfigStatus is the lifecycle state of a CalibrationConfig.
type ConfigStatus string

const (
	ConfigStatusDraft     ConfigStatus = "draft"
	ConfigStatusValidated ConfigStatus = "validated"
	ConfigStatusActive    ConfigStatus = "active"
	ConfigStatusArchived  ConfigStatus = "archived"
)

// ParseConfigStatus validates a stored status token.
func ParseConfigStatus(s string) (ConfigStatus, error) {
	switch cs := ConfigStatus(s); cs {
	case ConfigStatusDraft, ConfigStatusValidated, ConfigStatusActive, ConfigStatusArchived:
		return cs, nil
	default:
		return "", eris.Errorf("model: unknown config status %q", s)
	}
}

// Default answerability thresholds applied to the weighted pillar score.
const (
	DefaultFullyAnswerableThreshold     = 70.0
	DefaultPartiallyAnswerableThreshold = 40.0
)

// Default intra-simulation scoring weights. Sum = 1.
const (
	DefaultSignalCoverageWeight = 0.5
	DefaultRelevanceWeight      = 0.35
	DefaultPrimacyBonusWeight   = 0.15
)

// CalibrationConfig is a named, versioned set of tunable scoring parameters.
type CalibrationConfig struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Version int           `json:"version"`
	Weights PillarWeights `json:"weights"`

	// Answerability thresholds on the weighted pillar score.
	FullyAnswerableThreshold     float64 `json:"fully_answerable_threshold"`
	PartiallyAnswerableThreshold float64 `json:"partially_answerable_threshold"`

	// Intra-simulation scoring weights.
	SignalCoverageWeight float64 `json:"signal_coverage_weight"`
	RelevanceWeight      float64 `json:"relevance_weight"`
	PrimacyBonusWeight   float64 `json:"primacy_bonus_weight"`

	// Validation metrics recorded when the config was validated.
	ValidationAccuracy      *float64 `json:"validation_accuracy,omitempty"`
	ValidationSamples       *int     `json:"validation_samples,omitempty"`
	ValidationOptimismBias  *float64 `json:"validation_optimism_bias,omitempty"`
	ValidationPessimismBias *float64 `json:"validation_pessimism_bias,omitempty"`

	Status    ConfigStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DefaultCalibrationConfig returns an unsaved config carrying the fixed
// default parameters. Used as the fallback when no config is active.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		Name:                         "default",
		Version:                      0,
		Weights:                      DefaultPillarWeights(),
		FullyAnswerableThreshold:     DefaultFullyAnswerableThreshold,
		PartiallyAnswerableThreshold: DefaultPartiallyAnswerableThreshold,
		SignalCoverageWeight:         DefaultSignalCoverageWeight,
		RelevanceWeight:              DefaultRelevanceWeight,
		PrimacyBonusWeight:           DefaultPrimacyBonusWeight,
		Status:                       ConfigStatusDraft,
	}
}

// Validate checks a config's internal consistency.
func (c *CalibrationConfig) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	var errs []string
	if c.Name == "" {
		errs = append(errs, "name is required")
	}
	if c.PartiallyAnswerableThreshold < 0 || c.PartiallyAnswerableThreshold > 100 {
		errs = append(errs, "partially_answerable_threshold must be within [0, 100]")
	}
	if c.FullyAnswerableThreshold < 0 || c.FullyAnswerableThreshold > 100 {
		errs = append(errs, "fully_answerable_threshold must be within [0, 100]")
	}
	if c.FullyAnswerableThreshold <= c.PartiallyAnswerableThreshold {
		errs = append(errs, "fully_answerable_threshold must exceed partially_answerable_threshold")
	}
	simSum := c.SignalCoverageWeight + c.RelevanceWeight + c.PrimacyBonusWeight
	if c.SignalCoverageWeight < 0 || c.RelevanceWeight < 0 || c.PrimacyBonusWeight < 0 {
		errs = append(errs, "simulation weights must be >= 0")
	}
	if math.Abs(simSum-1) > 0.01 {
		errs = append(errs, fmt.Sprintf("simulation weights should sum to 1, got %.3f", simSum))
	}
	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
