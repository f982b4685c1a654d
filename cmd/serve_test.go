package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avgjoe1017/findable/internal/calibration"
	"github.com/avgjoe1017/findable/internal/config"
	"github.com/avgjoe1017/findable/internal/model"
)

func newTestRouter(t *testing.T) (http.Handler, calibration.Store) {
	t.Helper()

	cfg = &config.Config{}
	cfg.Experiment.MinAnalyzeSamples = 20
	cfg.Experiment.SignificanceLevel = 0.05
	cfg.Weights.CacheTTLSecs = 1

	st, err := calibration.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	return newAPIRouter(st), st
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestServeCollectAndListSamples(t *testing.T) {
	h, _ := newTestRouter(t)

	mentioned := true
	body := map[string]any{
		"simulation": model.SimulationResult{
			RunID:        "run-1",
			SiteID:       "site-a",
			PillarScores: model.PillarScores{Technical: 70, Structure: 60, Schema: 55, Authority: 50, EntityRecognition: 45, Retrieval: 0, Coverage: 0},
			Questions: []model.QuestionPrediction{
				{QuestionID: "q-1", Answerability: model.AnswerabilityFully, Confidence: 80},
			},
		},
		"observation": model.ObservationResult{
			RunID: "run-1",
			Questions: []model.QuestionObservation{
				{QuestionID: "q-1", Mentioned: &mentioned, Provider: "openai"},
			},
		},
	}

	rec := doRequest(t, h, http.MethodPost, "/api/collect", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result calibration.CollectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(1), result.Inserted)

	rec = doRequest(t, h, http.MethodGet, "/api/samples?run_id=run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var samples []model.CalibrationSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, "q-1", samples[0].QuestionID)
	assert.Equal(t, model.OutcomeCorrect, samples[0].Outcome)
}

func TestServeCollectBadBody(t *testing.T) {
	h, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/collect", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeWindowStats(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/api/stats/window?days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats calibration.WindowStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.Samples)
}

func TestServeConfigLifecycle(t *testing.T) {
	h, st := newTestRouter(t)
	ctx := context.Background()

	cc := model.DefaultCalibrationConfig()
	cc.Name = "serve-test"
	require.NoError(t, st.CreateConfig(ctx, &cc))

	rec := doRequest(t, h, http.MethodPost, "/api/configs/"+cc.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/configs?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var configs []model.CalibrationConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &configs))
	require.Len(t, configs, 1)
	assert.Equal(t, cc.ID, configs[0].ID)

	// The resolver now serves the activated config.
	rec = doRequest(t, h, http.MethodGet, "/api/weights/site-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved calibration.ResolvedWeights
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, "active", resolved.Source)
	assert.Equal(t, cc.ID, resolved.Config.ID)

	// Activating a missing config conflicts.
	rec = doRequest(t, h, http.MethodPost, "/api/configs/missing/activate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServeWeightsDefault(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/api/weights/site-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved calibration.ResolvedWeights
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, "default", resolved.Source)
}

func TestServeExperimentsEmpty(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/api/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestServeAlertStatusInvalid(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodPost, "/api/alerts/missing/status",
		map[string]string{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
