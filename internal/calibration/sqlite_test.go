package calibration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avgjoe1017/findable/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func boolPtr(b bool) *bool { return &b }

func testSample(runID, questionID, siteID string, mentioned bool, createdAt time.Time) model.CalibrationSample {
	outcome, accurate := model.ClassifyOutcome(model.AnswerabilityFully, boolPtr(mentioned), nil)
	return model.CalibrationSample{
		ID:                     runID + "-" + questionID,
		SiteID:                 siteID,
		RunID:                  runID,
		QuestionID:             questionID,
		PredictedAnswerability: model.AnswerabilityFully,
		PredictedConfidence:    80,
		ObservedMentioned:      boolPtr(mentioned),
		Outcome:                outcome,
		PredictionAccurate:     accurate,
		PillarScores:           model.PillarScores{Technical: 70, Structure: 60, Retrieval: 80, Coverage: 100},
		CreatedAt:              createdAt,
	}
}

func TestSQLite_InsertAndListSamples(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n, err := st.InsertSamples(ctx, []model.CalibrationSample{
		testSample("run-1", "q-1", "site-a", true, now),
		testSample("run-1", "q-2", "site-a", false, now),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	samples, err := st.ListSamples(ctx, SampleFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "site-a", samples[0].SiteID)
	assert.Equal(t, model.AnswerabilityFully, samples[0].PredictedAnswerability)
	assert.InDelta(t, 70, samples[0].PillarScores.Technical, 1e-9)
	require.NotNil(t, samples[0].ObservedMentioned)
}

func TestSQLite_InsertSamples_DuplicateRollsBack(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.InsertSamples(ctx, []model.CalibrationSample{
		testSample("run-1", "q-1", "site-a", true, now),
	})
	require.NoError(t, err)

	// Second batch contains one new and one duplicate question; the whole
	// batch must fail without partial writes.
	dup := testSample("run-1", "q-1", "site-a", true, now)
	dup.ID = "other-id"
	_, err = st.InsertSamples(ctx, []model.CalibrationSample{
		testSample("run-1", "q-9", "site-a", true, now),
		dup,
	})
	require.Error(t, err)

	samples, err := st.ListSamples(ctx, SampleFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestSQLite_RunHasSamples(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	has, err := st.RunHasSamples(ctx, "run-x")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = st.InsertSamples(ctx, []model.CalibrationSample{
		testSample("run-x", "q-1", "site-a", true, time.Now().UTC()),
	})
	require.NoError(t, err)

	has, err = st.RunHasSamples(ctx, "run-x")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLite_WindowStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	samples := []model.CalibrationSample{
		testSample("run-1", "q-1", "site-a", true, now.Add(-time.Hour)),  // correct
		testSample("run-1", "q-2", "site-a", false, now.Add(-time.Hour)), // optimistic
		testSample("run-1", "q-3", "site-b", true, now.Add(-time.Hour)),  // correct
		testSample("run-1", "q-4", "site-b", true, now.Add(-48*time.Hour)), // outside window
	}
	_, err := st.InsertSamples(ctx, samples)
	require.NoError(t, err)

	stats, err := st.WindowStats(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Samples)
	assert.Equal(t, 2, stats.Accurate)
	assert.InDelta(t, 2.0/3.0, stats.Accuracy, 1e-9)
	assert.InDelta(t, 1.0/3.0, stats.OptimismRate, 1e-9)
	assert.InDelta(t, 0, stats.PessimismRate, 1e-9)
	assert.InDelta(t, 70, stats.PillarMeans[model.PillarTechnical], 1e-9)
}

func TestSQLite_ConfigLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg := model.DefaultCalibrationConfig()
	cfg.Name = "tuned"
	require.NoError(t, st.CreateConfig(ctx, &cfg))
	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, 1, cfg.Version)

	// Versions increment per name.
	cfg2 := model.DefaultCalibrationConfig()
	cfg2.Name = "tuned"
	require.NoError(t, st.CreateConfig(ctx, &cfg2))
	assert.Equal(t, 2, cfg2.Version)

	got, err := st.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tuned", got.Name)
	assert.Equal(t, model.ConfigStatusDraft, got.Status)
	assert.InDelta(t, 20, got.Weights.Technical, 1e-9)

	missing, err := st.GetConfig(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	active, err := st.GetActiveConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, st.ActivateConfig(ctx, cfg.ID))
	active, err = st.GetActiveConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, cfg.ID, active.ID)

	// Activating the second config archives the first. Exactly one active.
	require.NoError(t, st.ActivateConfig(ctx, cfg2.ID))
	active, err = st.GetActiveConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, cfg2.ID, active.ID)

	archived, err := st.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConfigStatusArchived, archived.Status)

	// Archived configs cannot be re-activated.
	assert.Error(t, st.ActivateConfig(ctx, cfg.ID))
	assert.Error(t, st.ActivateConfig(ctx, "missing"))
}

func TestSQLite_CreateConfig_RejectsInvalid(t *testing.T) {
	st := newTestStore(t)

	cfg := model.DefaultCalibrationConfig()
	cfg.Weights.Technical = 50 // out of bounds
	assert.Error(t, st.CreateConfig(context.Background(), &cfg))
}

func createTestConfigs(t *testing.T, st Store) (control, treatment model.CalibrationConfig) {
	t.Helper()
	ctx := context.Background()

	control = model.DefaultCalibrationConfig()
	control.Name = "control"
	require.NoError(t, st.CreateConfig(ctx, &control))

	treatment = model.DefaultCalibrationConfig()
	treatment.Name = "treatment"
	treatment.Weights.Technical = 25
	treatment.Weights.Schema = 5
	require.NoError(t, st.CreateConfig(ctx, &treatment))
	return control, treatment
}

func TestSQLite_ExperimentLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	control, treatment := createTestConfigs(t, st)

	exp := &model.CalibrationExperiment{
		Name:                "exp-1",
		ControlConfigID:     control.ID,
		TreatmentConfigID:   treatment.ID,
		TreatmentAllocation: 0.5,
		MinSamplesPerArm:    50,
	}
	require.NoError(t, st.CreateExperiment(ctx, exp))
	assert.Equal(t, model.ExperimentStatusDraft, exp.Status)

	running, err := st.GetRunningExperiment(ctx)
	require.NoError(t, err)
	assert.Nil(t, running)

	require.NoError(t, st.StartExperiment(ctx, exp.ID))
	running, err = st.GetRunningExperiment(ctx)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, exp.ID, running.ID)
	assert.NotNil(t, running.StartedAt)

	// Starting again fails: no longer in draft.
	assert.Error(t, st.StartExperiment(ctx, exp.ID))

	// A second running experiment is rejected by the unique index.
	exp2 := &model.CalibrationExperiment{
		Name:                "exp-2",
		ControlConfigID:     control.ID,
		TreatmentConfigID:   treatment.ID,
		TreatmentAllocation: 0.5,
		MinSamplesPerArm:    50,
	}
	require.NoError(t, st.CreateExperiment(ctx, exp2))
	assert.Error(t, st.StartExperiment(ctx, exp2.ID))

	require.NoError(t, st.UpdateExperimentCounts(ctx, exp.ID, 10, 12))
	got, err := st.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ControlSamples)
	assert.Equal(t, 12, got.TreatmentSamples)

	acc := 0.8
	got.ControlAccuracy = &acc
	got.TreatmentAccuracy = &acc
	got.Winner = model.WinnerNone
	require.NoError(t, st.ConcludeExperiment(ctx, got, ""))

	concluded, err := st.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentStatusConcluded, concluded.Status)
	assert.NotNil(t, concluded.ConcludedAt)

	// Concluding twice fails.
	assert.Error(t, st.ConcludeExperiment(ctx, got, ""))
}

func TestSQLite_ConcludeExperiment_PromotesWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	control, treatment := createTestConfigs(t, st)
	require.NoError(t, st.ActivateConfig(ctx, control.ID))

	exp := &model.CalibrationExperiment{
		Name:                "exp-1",
		ControlConfigID:     control.ID,
		TreatmentConfigID:   treatment.ID,
		TreatmentAllocation: 0.5,
		MinSamplesPerArm:    10,
	}
	require.NoError(t, st.CreateExperiment(ctx, exp))
	require.NoError(t, st.StartExperiment(ctx, exp.ID))

	exp.Winner = model.WinnerTreatment
	require.NoError(t, st.ConcludeExperiment(ctx, exp, treatment.ID))

	active, err := st.GetActiveConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, treatment.ID, active.ID)

	old, err := st.GetConfig(ctx, control.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConfigStatusArchived, old.Status)
}

func TestSQLite_ArmOutcomeCounts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expID := "exp-1"
	cfgID := "cfg-ctl"
	mk := func(q string, mentioned bool) model.CalibrationSample {
		s := testSample("run-1", q, "site-a", mentioned, now)
		s.ExperimentID = &expID
		s.ConfigID = &cfgID
		return s
	}
	unknown := testSample("run-1", "q-u", "site-a", true, now)
	unknown.ExperimentID = &expID
	unknown.ConfigID = &cfgID
	unknown.ObservedMentioned = nil
	unknown.Outcome = model.OutcomeUnknown
	unknown.PredictionAccurate = false

	_, err := st.InsertSamples(ctx, []model.CalibrationSample{
		mk("q-1", true), mk("q-2", true), mk("q-3", false), unknown,
	})
	require.NoError(t, err)

	counts, err := st.ArmOutcomeCounts(ctx, expID, cfgID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total) // unknown excluded
	assert.Equal(t, 2, counts.Accurate)

	n, err := st.CountExperimentSamples(ctx, expID, cfgID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLite_DriftAlerts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	alert := &model.CalibrationDriftAlert{
		DriftType:      model.DriftTypeAccuracy,
		ExpectedValue:  0.78,
		ObservedValue:  0.60,
		DriftMagnitude: 0.18,
		WindowStart:    now.AddDate(0, 0, -7),
		WindowEnd:      now,
		WindowSamples:  120,
	}
	require.NoError(t, st.CreateAlert(ctx, alert))
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, model.AlertStatusOpen, alert.Status)

	open, err := st.ListAlerts(ctx, model.AlertStatusOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.DriftTypeAccuracy, open[0].DriftType)

	require.NoError(t, st.UpdateAlertStatus(ctx, alert.ID, model.AlertStatusAcknowledged, "ops", ""))
	require.NoError(t, st.UpdateAlertStatus(ctx, alert.ID, model.AlertStatusResolved, "ops", "recollected window"))

	resolved, err := st.ListAlerts(ctx, model.AlertStatusResolved, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "recollected window", resolved[0].ResolutionNote)
	assert.NotNil(t, resolved[0].ResolvedAt)

	assert.Error(t, st.UpdateAlertStatus(ctx, "missing", model.AlertStatusResolved, "", ""))
	assert.Error(t, st.UpdateAlertStatus(ctx, alert.ID, model.AlertStatus("bogus"), "", ""))
}

func TestSQLite_ArmOutcomeCounts_EmptyArm(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	control, treatment := createTestConfigs(t, st)

	exp := &model.CalibrationExperiment{
		Name:                "empty",
		ControlConfigID:     control.ID,
		TreatmentConfigID:   treatment.ID,
		TreatmentAllocation: 0.5,
		MinSamplesPerArm:    10,
	}
	require.NoError(t, st.CreateExperiment(ctx, exp))

	// No samples yet: the aggregate must scan cleanly to zero counts.
	counts, err := st.ArmOutcomeCounts(ctx, exp.ID, control.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Accurate)
	assert.Equal(t, 0, counts.Total)
}

func TestSQLite_StartExperiment_ConcurrentSingleWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	control, treatment := createTestConfigs(t, st)

	draft := func(name string) *model.CalibrationExperiment {
		exp := &model.CalibrationExperiment{
			Name:                name,
			ControlConfigID:     control.ID,
			TreatmentConfigID:   treatment.ID,
			TreatmentAllocation: 0.5,
			MinSamplesPerArm:    10,
		}
		require.NoError(t, st.CreateExperiment(ctx, exp))
		return exp
	}
	a, b := draft("racer-a"), draft("racer-b")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = st.StartExperiment(ctx, a.ID) }()
	go func() { defer wg.Done(); errs[1] = st.StartExperiment(ctx, b.ID) }()
	wg.Wait()

	// The partial unique index admits exactly one running experiment.
	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		}
	}
	assert.Equal(t, 1, started, "start results: %v", errs)

	running, err := st.GetRunningExperiment(ctx)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Contains(t, []string{a.ID, b.ID}, running.ID)
}

func TestSQLite_ActivateConfig_ConcurrentSingleActive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	control, treatment := createTestConfigs(t, st)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = st.ActivateConfig(ctx, control.ID) }()
	go func() { defer wg.Done(); errs[1] = st.ActivateConfig(ctx, treatment.ID) }()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Whatever the interleaving, the loser of the race is archived and
	// exactly one config stays active.
	var active int
	require.NoError(t, st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calibration_configs WHERE status = 'active'`).Scan(&active))
	assert.Equal(t, 1, active)

	cfg, err := st.GetActiveConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Contains(t, []string{control.ID, treatment.ID}, cfg.ID)
}
