package calibration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avgjoe1017/findable/internal/model"
)

func testSimulation() *model.SimulationResult {
	return &model.SimulationResult{
		RunID:    "run-1",
		SiteID:   "site-a",
		SiteType: "ecommerce",
		Industry: "retail",
		PillarScores: model.PillarScores{
			Technical: 70, Structure: 65, Schema: 40, Authority: 55,
			EntityRecognition: 60, Retrieval: 50, Coverage: 50,
		},
		Questions: []model.QuestionPrediction{
			{QuestionID: "q-1", Answerability: model.AnswerabilityFully, Confidence: 85, Category: "pricing"},
			{QuestionID: "q-2", Answerability: model.AnswerabilityNot, Confidence: 20},
			{QuestionID: "q-3", Answerability: model.AnswerabilityPartially, Confidence: 120}, // clamped
		},
	}
}

func testObservation() *model.ObservationResult {
	return &model.ObservationResult{
		RunID: "run-1",
		Questions: []model.QuestionObservation{
			{QuestionID: "q-1", Mentioned: boolPtr(true), Cited: boolPtr(true), Provider: "openai", Model: "gpt-5"},
			{QuestionID: "q-2", Mentioned: boolPtr(false)},
			{QuestionID: "q-3", Mentioned: nil}, // unsettled
			{QuestionID: "q-9", Mentioned: boolPtr(true)}, // no matching prediction
		},
	}
}

func TestCollector_Collect(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	result, err := NewCollector(st).Collect(ctx, testSimulation(), testObservation())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Matched)
	assert.Equal(t, 1, result.Skipped) // q-9 had no prediction
	assert.Equal(t, int64(3), result.Inserted)
	assert.False(t, result.AlreadyCollected)
	assert.Empty(t, result.Reasons)

	samples, err := st.ListSamples(ctx, SampleFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, samples, 3)

	byQuestion := make(map[string]model.CalibrationSample, len(samples))
	for _, s := range samples {
		byQuestion[s.QuestionID] = s
	}

	q1 := byQuestion["q-1"]
	assert.Equal(t, model.OutcomeCorrect, q1.Outcome)
	assert.True(t, q1.PredictionAccurate)
	assert.Equal(t, "openai", q1.Provider)
	assert.Equal(t, "ecommerce", q1.SiteType)

	// Per-question pillar overrides: retrieval from prediction confidence,
	// coverage from the answerability class. Other pillars keep the
	// site-level snapshot.
	assert.InDelta(t, 85, q1.PillarScores.Retrieval, 1e-9)
	assert.InDelta(t, 100, q1.PillarScores.Coverage, 1e-9)
	assert.InDelta(t, 70, q1.PillarScores.Technical, 1e-9)

	q2 := byQuestion["q-2"]
	assert.Equal(t, model.OutcomeCorrect, q2.Outcome)
	assert.InDelta(t, 0, q2.PillarScores.Coverage, 1e-9)

	q3 := byQuestion["q-3"]
	assert.Equal(t, model.OutcomeUnknown, q3.Outcome)
	assert.False(t, q3.PredictionAccurate)
	assert.InDelta(t, 100, q3.PillarScores.Retrieval, 1e-9) // clamped from 120
}

func TestCollector_Collect_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := NewCollector(st)

	first, err := c.Collect(ctx, testSimulation(), testObservation())
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.Inserted)

	second, err := c.Collect(ctx, testSimulation(), testObservation())
	require.NoError(t, err)
	assert.True(t, second.AlreadyCollected)
	assert.Zero(t, second.Inserted)

	samples, err := st.ListSamples(ctx, SampleFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}

func TestCollector_Collect_UnresolvedInputs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := NewCollector(st)

	tests := []struct {
		name   string
		mutate func(sim *model.SimulationResult, obs *model.ObservationResult)
	}{
		{"missing run id", func(sim *model.SimulationResult, obs *model.ObservationResult) { sim.RunID = "" }},
		{"missing site id", func(sim *model.SimulationResult, obs *model.ObservationResult) { sim.SiteID = "" }},
		{"run id mismatch", func(sim *model.SimulationResult, obs *model.ObservationResult) { obs.RunID = "run-other" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, obs := testSimulation(), testObservation()
			tt.mutate(sim, obs)

			result, err := c.Collect(ctx, sim, obs)
			require.NoError(t, err) // unresolved inputs are a result, not an error
			assert.Zero(t, result.Inserted)
			assert.NotEmpty(t, result.Reasons)
		})
	}

	result, err := c.Collect(ctx, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Reasons)
}

func TestCollector_Collect_NoOverlap(t *testing.T) {
	st := newTestStore(t)

	sim := testSimulation()
	obs := &model.ObservationResult{RunID: "run-1", Questions: []model.QuestionObservation{
		{QuestionID: "q-77", Mentioned: boolPtr(true)},
	}}

	result, err := NewCollector(st).Collect(context.Background(), sim, obs)
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.NotEmpty(t, result.Reasons)
}

func TestCollector_Collect_TagsActiveConfig(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg := model.DefaultCalibrationConfig()
	cfg.Name = "tuned"
	require.NoError(t, st.CreateConfig(ctx, &cfg))
	require.NoError(t, st.ActivateConfig(ctx, cfg.ID))

	_, err := NewCollector(st).Collect(ctx, testSimulation(), testObservation())
	require.NoError(t, err)

	samples, err := st.ListSamples(ctx, SampleFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	for _, s := range samples {
		require.NotNil(t, s.ConfigID)
		assert.Equal(t, cfg.ID, *s.ConfigID)
		assert.Nil(t, s.ExperimentID)
	}
}

func TestCollector_Collect_TagsExperimentArm(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	control, treatment := createTestConfigs(t, st)

	exp := &model.CalibrationExperiment{
		Name:                "exp-1",
		ControlConfigID:     control.ID,
		TreatmentConfigID:   treatment.ID,
		TreatmentAllocation: 0.5,
		MinSamplesPerArm:    10,
	}
	require.NoError(t, st.CreateExperiment(ctx, exp))
	require.NoError(t, st.StartExperiment(ctx, exp.ID))

	_, err := NewCollector(st).Collect(ctx, testSimulation(), testObservation())
	require.NoError(t, err)

	wantArm := AssignArm("site-a", 0.5)
	samples, err := st.ListSamples(ctx, SampleFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	for _, s := range samples {
		require.NotNil(t, s.ExperimentID)
		assert.Equal(t, exp.ID, *s.ExperimentID)
		require.NotNil(t, s.ExperimentArm)
		assert.Equal(t, string(wantArm), *s.ExperimentArm)
		require.NotNil(t, s.ConfigID)
		assert.Equal(t, exp.ConfigForArm(wantArm), *s.ConfigID)
	}
}
