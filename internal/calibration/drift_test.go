package calibration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avgjoe1017/findable/internal/model"
)

// seedWindow inserts samples at the given age with the given accurate
// fraction. Inaccurate samples classify as optimistic.
func seedWindow(t *testing.T, st Store, runID string, age time.Duration, accurate, inaccurate int) {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	var samples []model.CalibrationSample
	for i := 0; i < accurate; i++ {
		samples = append(samples, testSample(runID, fmt.Sprintf("q-%d", i), "site-a", true, created))
	}
	for i := 0; i < inaccurate; i++ {
		samples = append(samples, testSample(runID, fmt.Sprintf("q-%d", accurate+i), "site-a", false, created))
	}
	_, err := st.InsertSamples(context.Background(), samples)
	require.NoError(t, err)
}

func testDriftParams() DriftParams {
	p := DefaultDriftParams()
	p.MinSamples = 50
	return p
}

func TestDriftDetector_AccuracyDrop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Baseline 78% accurate, recent 60%: an 18-point drop.
	seedWindow(t, st, "run-base", 10*24*time.Hour, 78, 22)
	seedWindow(t, st, "run-recent", 24*time.Hour, 60, 40)

	params := testDriftParams()
	params.BiasThreshold = 0.5 // keep the bias checks quiet for this case

	report, err := NewDriftDetector(st, nil).Check(ctx, params)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	require.Len(t, report.Alerts, 1)

	alert := report.Alerts[0]
	assert.Equal(t, model.DriftTypeAccuracy, alert.DriftType)
	assert.InDelta(t, 0.78, alert.ExpectedValue, 1e-9)
	assert.InDelta(t, 0.60, alert.ObservedValue, 1e-9)
	assert.InDelta(t, 0.18, alert.DriftMagnitude, 1e-9)
	assert.Equal(t, model.AlertStatusOpen, alert.Status)
	assert.Equal(t, 100, alert.WindowSamples)
	assert.Equal(t, 100, alert.BaselineSamples)

	// Alerts are persisted, not only reported.
	open, err := st.ListAlerts(ctx, model.AlertStatusOpen, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDriftDetector_NoDrift(t *testing.T) {
	st := newTestStore(t)

	seedWindow(t, st, "run-base", 10*24*time.Hour, 80, 20)
	seedWindow(t, st, "run-recent", 24*time.Hour, 78, 22)

	params := testDriftParams()
	params.BiasThreshold = 0.5

	report, err := NewDriftDetector(st, nil).Check(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Empty(t, report.Alerts)
}

func TestDriftDetector_OptimismBias(t *testing.T) {
	st := newTestStore(t)

	// Accuracy holds steady but 40% of recent predictions are optimistic.
	seedWindow(t, st, "run-base", 10*24*time.Hour, 65, 35)
	seedWindow(t, st, "run-recent", 24*time.Hour, 60, 40)

	params := testDriftParams()
	params.AccuracyThreshold = 0.5

	report, err := NewDriftDetector(st, nil).Check(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, model.DriftTypeOptimism, report.Alerts[0].DriftType)
	assert.InDelta(t, 0.40, report.Alerts[0].ObservedValue, 1e-9)
	assert.InDelta(t, 0.10, report.Alerts[0].DriftMagnitude, 1e-9)
}

func TestDriftDetector_SkipsThinWindows(t *testing.T) {
	st := newTestStore(t)

	seedWindow(t, st, "run-base", 10*24*time.Hour, 10, 2)
	seedWindow(t, st, "run-recent", 24*time.Hour, 9, 1)

	report, err := NewDriftDetector(st, nil).Check(context.Background(), testDriftParams())
	require.NoError(t, err) // a thin window is a skip, not a failure
	assert.True(t, report.Skipped)
	assert.NotEmpty(t, report.SkipReason)
	assert.Empty(t, report.Alerts)
}

func TestDriftDetector_InvalidParams(t *testing.T) {
	st := newTestStore(t)
	d := NewDriftDetector(st, nil)
	ctx := context.Background()

	p := testDriftParams()
	p.RecentDays = 0
	_, err := d.Check(ctx, p)
	assert.Error(t, err)

	p = testDriftParams()
	p.RecentDays = p.BaselineDays
	_, err = d.Check(ctx, p)
	assert.Error(t, err)
}

func TestDriftDetector_PillarDrift(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Baseline technical mean 70 (testSample default), recent shifted to 30.
	seedWindow(t, st, "run-base", 10*24*time.Hour, 60, 0)
	created := time.Now().UTC().Add(-24 * time.Hour)
	var recent []model.CalibrationSample
	for i := 0; i < 60; i++ {
		s := testSample("run-recent", fmt.Sprintf("q-%d", i), "site-a", true, created)
		s.PillarScores.Technical = 30
		recent = append(recent, s)
	}
	_, err := st.InsertSamples(ctx, recent)
	require.NoError(t, err)

	params := testDriftParams()
	params.AccuracyThreshold = 0.5
	params.BiasThreshold = 0.5
	params.PillarThreshold = 15

	report, err := NewDriftDetector(st, nil).Check(ctx, params)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, model.DriftTypePillar, report.Alerts[0].DriftType)
	assert.Equal(t, model.PillarTechnical, report.Alerts[0].Pillar)
	assert.InDelta(t, 40, report.Alerts[0].DriftMagnitude, 1e-9)
}
