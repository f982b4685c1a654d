package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Answerability is the simulated classification of how well site content
// could answer a question.
type Answerability string

const (
	AnswerabilityFully         Answerability = "fully_answerable"
	AnswerabilityPartially     Answerability = "partially_answerable"
	AnswerabilityNot           Answerability = "not_answerable"
	AnswerabilityContradictory Answerability = "contradictory"
)

// ParseAnswerability validates a stored answerability token.
func ParseAnswerability(s string) (Answerability, error) {
	switch a := Answerability(s); a {
	case AnswerabilityFully, AnswerabilityPartially, AnswerabilityNot, AnswerabilityContradictory:
		return a, nil
	default:
		return "", eris.Errorf("model: unknown answerability %q", s)
	}
}

// Favorable reports whether the prediction expects the site to be surfaced
// by an AI assistant for this question.
func (a Answerability) Favorable() bool {
	return a == AnswerabilityFully || a == AnswerabilityPartially
}

// Valid reports whether a is a known answerability class.
func (a Answerability) Valid() bool {
	_, err := ParseAnswerability(string(a))
	return err == nil
}

// AnswerabilityCoverage maps an answerability class to the per-question
// coverage pillar value. The constants are tuned, not derived; keep them
// in sync with the simulation side.
func AnswerabilityCoverage(a Answerability) float64 {
	switch a {
	case AnswerabilityFully:
		return 100
	case AnswerabilityPartially:
		return 50
	case AnswerabilityContradictory:
		return 25
	default:
		return 0
	}
}

// Outcome classifies a sample's prediction against its observed ground truth.
type Outcome string

const (
	OutcomeCorrect     Outcome = "correct"
	OutcomeOptimistic  Outcome = "optimistic"
	OutcomePessimistic Outcome = "pessimistic"
	OutcomeUnknown     Outcome = "unknown"
)

// ParseOutcome validates a stored outcome token.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeCorrect, OutcomeOptimistic, OutcomePessimistic, OutcomeUnknown:
		return o, nil
	default:
		return "", eris.Errorf("model: unknown outcome %q", s)
	}
}

// ClassifyOutcome derives the outcome classification and prediction_accurate
// flag from a predicted answerability and the observed mention/citation
// flags. It is a pure function computed once at sample creation.
//
// correct: prediction and observation agree in direction.
// optimistic: the prediction was more favorable than reality.
// pessimistic: the prediction was less favorable than reality.
// unknown: the comparison cannot be determined.
func ClassifyOutcome(predicted Answerability, mentioned, cited *bool) (Outcome, bool) {
	if !predicted.Valid() || mentioned == nil {
		return OutcomeUnknown, false
	}

	observedFavorable := *mentioned || (cited != nil && *cited)
	switch {
	case predicted.Favorable() == observedFavorable:
		return OutcomeCorrect, true
	case predicted.Favorable():
		return OutcomeOptimistic, false
	default:
		return OutcomePessimistic, false
	}
}

// CalibrationSample is one reconciled question-level observation pairing a
// simulated prediction with real AI-provider ground truth. Samples are
// immutable: created once per (run, question), never updated.
type CalibrationSample struct {
	ID         string `json:"id"`
	SiteID     string `json:"site_id"`
	RunID      string `json:"run_id"`
	QuestionID string `json:"question_id"`

	// Simulated prediction.
	PredictedAnswerability Answerability `json:"predicted_answerability"`
	PredictedConfidence    float64       `json:"predicted_confidence"`
	SignalsFound           int           `json:"signals_found"`
	SignalsTotal           int           `json:"signals_total"`
	RelevanceScore         float64       `json:"relevance_score"`
	SourcePrimacy          float64       `json:"source_primacy"`

	// Observed ground truth. Nil flags mean the observation did not settle
	// the question; such samples classify as unknown.
	ObservedMentioned  *bool  `json:"observed_mentioned,omitempty"`
	ObservedCited      *bool  `json:"observed_cited,omitempty"`
	ObservedSentiment  string `json:"observed_sentiment,omitempty"`
	ObservedConfidence string `json:"observed_confidence,omitempty"`
	Provider           string `json:"provider,omitempty"`
	Model              string `json:"model,omitempty"`

	// Derived at creation.
	Outcome            Outcome `json:"outcome"`
	PredictionAccurate bool    `json:"prediction_accurate"`

	// Context.
	QuestionCategory   string `json:"question_category,omitempty"`
	QuestionDifficulty string `json:"question_difficulty,omitempty"`
	QuestionText       string `json:"question_text,omitempty"`
	SiteType           string `json:"site_type,omitempty"`
	Industry           string `json:"industry,omitempty"`

	// Pillar-score snapshot used to produce the prediction.
	PillarScores PillarScores `json:"pillar_scores"`

	// Links to the configuration / experiment arm active at collection time.
	ConfigID      *string `json:"config_id,omitempty"`
	ExperimentID  *string `json:"experiment_id,omitempty"`
	ExperimentArm *string `json:"experiment_arm,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// QuestionPrediction is one per-question simulated prediction consumed from
// the simulation collaborator.
type QuestionPrediction struct {
	QuestionID    string        `json:"question_id"`
	Answerability Answerability `json:"answerability"`
	Confidence    float64       `json:"confidence"`
	SignalsFound  int           `json:"signals_found"`
	SignalsTotal  int           `json:"signals_total"`
	Relevance     float64       `json:"relevance"`
	SourcePrimacy float64       `json:"source_primacy"`
	Category      string        `json:"category"`
	Difficulty    string        `json:"difficulty"`
	Text          string        `json:"text"`
}

// SimulationResult is the finished simulation output for one run.
type SimulationResult struct {
	RunID        string               `json:"run_id"`
	SiteID       string               `json:"site_id"`
	SiteType     string               `json:"site_type"`
	Industry     string               `json:"industry"`
	PillarScores PillarScores         `json:"pillar_scores"`
	Questions    []QuestionPrediction `json:"questions"`
}

// QuestionObservation is one per-question observed outcome consumed from
// the live observation collaborator.
type QuestionObservation struct {
	QuestionID string `json:"question_id"`
	Mentioned  *bool  `json:"mentioned"`
	Cited      *bool  `json:"cited"`
	Sentiment  string `json:"sentiment"`
	Confidence string `json:"confidence"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// ObservationResult is the finished observation output for one run.
type ObservationResult struct {
	RunID     string                `json:"run_id"`
	Questions []QuestionObservation `json:"questions"`
}
