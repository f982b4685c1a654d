package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name         string
		predicted    Answerability
		mentioned    *bool
		cited        *bool
		wantOutcome  Outcome
		wantAccurate bool
	}{
		{
			name:      "fully answerable and mentioned",
			predicted: AnswerabilityFully, mentioned: boolPtr(true),
			wantOutcome: OutcomeCorrect, wantAccurate: true,
		},
		{
			name:      "partially answerable and mentioned",
			predicted: AnswerabilityPartially, mentioned: boolPtr(true),
			wantOutcome: OutcomeCorrect, wantAccurate: true,
		},
		{
			name:      "not answerable and not mentioned",
			predicted: AnswerabilityNot, mentioned: boolPtr(false),
			wantOutcome: OutcomeCorrect, wantAccurate: true,
		},
		{
			name:      "fully answerable but never surfaced",
			predicted: AnswerabilityFully, mentioned: boolPtr(false),
			wantOutcome: OutcomeOptimistic,
		},
		{
			name:      "not answerable but mentioned anyway",
			predicted: AnswerabilityNot, mentioned: boolPtr(true),
			wantOutcome: OutcomePessimistic,
		},
		{
			name:      "citation counts as favorable even without mention",
			predicted: AnswerabilityNot, mentioned: boolPtr(false), cited: boolPtr(true),
			wantOutcome: OutcomePessimistic,
		},
		{
			name:      "contradictory counts as unfavorable prediction",
			predicted: AnswerabilityContradictory, mentioned: boolPtr(false),
			wantOutcome: OutcomeCorrect, wantAccurate: true,
		},
		{
			name:      "nil mention is unknown",
			predicted: AnswerabilityFully, mentioned: nil,
			wantOutcome: OutcomeUnknown,
		},
		{
			name:      "invalid prediction is unknown",
			predicted: Answerability("garbled"), mentioned: boolPtr(true),
			wantOutcome: OutcomeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, accurate := ClassifyOutcome(tt.predicted, tt.mentioned, tt.cited)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantAccurate, accurate)
		})
	}
}

// Every prediction/observation combination must map to one of the four
// outcome classes.
func TestClassifyOutcomeTotal(t *testing.T) {
	preds := []Answerability{
		AnswerabilityFully, AnswerabilityPartially, AnswerabilityNot,
		AnswerabilityContradictory, Answerability(""),
	}
	flags := []*bool{nil, boolPtr(true), boolPtr(false)}

	for _, p := range preds {
		for _, m := range flags {
			for _, c := range flags {
				outcome, _ := ClassifyOutcome(p, m, c)
				_, err := ParseOutcome(string(outcome))
				assert.NoError(t, err, "pred=%q mentioned=%v cited=%v", p, m, c)
			}
		}
	}
}

func TestAnswerabilityCoverage(t *testing.T) {
	assert.Equal(t, 100.0, AnswerabilityCoverage(AnswerabilityFully))
	assert.Equal(t, 50.0, AnswerabilityCoverage(AnswerabilityPartially))
	assert.Equal(t, 25.0, AnswerabilityCoverage(AnswerabilityContradictory))
	assert.Equal(t, 0.0, AnswerabilityCoverage(AnswerabilityNot))
	assert.Equal(t, 0.0, AnswerabilityCoverage(Answerability("bogus")))
}

func TestAnswerabilityFavorable(t *testing.T) {
	assert.True(t, AnswerabilityFully.Favorable())
	assert.True(t, AnswerabilityPartially.Favorable())
	assert.False(t, AnswerabilityNot.Favorable())
	assert.False(t, AnswerabilityContradictory.Favorable())
}
