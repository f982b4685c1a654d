package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// chdirTemp moves the test into an empty dir so a developer's config.yaml
// cannot leak into the run.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func writeConfigFile(t *testing.T, dir string, cfg map[string]any) {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644))
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "findable.db", cfg.Store.SQLitePath)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, 60, cfg.Optimizer.WindowDays)
	assert.Equal(t, 50, cfg.Optimizer.MinSamples)
	assert.InDelta(t, 0.2, cfg.Optimizer.HoldoutFraction, 0.001)
	assert.InDelta(t, 0.02, cfg.Optimizer.MinImprovement, 0.001)
	assert.Equal(t, 5, cfg.Optimizer.GridStep)
	assert.InDelta(t, 50, cfg.Optimizer.MaxWeightDistance, 0.001)
	assert.Equal(t, 250000, cfg.Optimizer.MaxEvaluations)
	assert.True(t, cfg.Optimizer.FinePhase)
	assert.InDelta(t, 0.5, cfg.Optimizer.BiasPenalty, 0.001)
	assert.Equal(t, "grid-search", cfg.Optimizer.ConfigName)

	assert.Equal(t, 50, cfg.Experiment.MinSamplesPerArm)
	assert.Equal(t, 20, cfg.Experiment.MinAnalyzeSamples)
	assert.InDelta(t, 0.05, cfg.Experiment.SignificanceLevel, 0.001)

	assert.Equal(t, 30, cfg.Drift.BaselineDays)
	assert.Equal(t, 7, cfg.Drift.RecentDays)
	assert.InDelta(t, 0.10, cfg.Drift.AccuracyThreshold, 0.001)
	assert.InDelta(t, 0.30, cfg.Drift.BiasThreshold, 0.001)
	assert.Equal(t, 50, cfg.Drift.MinSamples)
	assert.Equal(t, 3600, cfg.Drift.CheckIntervalSecs)

	assert.Equal(t, 60, cfg.Weights.CacheTTLSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)
	writeConfigFile(t, dir, map[string]any{
		"store": map[string]any{"driver": "sqlite", "sqlite_path": "/tmp/cal.db"},
		"log":   map[string]any{"level": "debug", "format": "console"},
		"server": map[string]any{
			"port": 9090,
		},
		"optimizer": map[string]any{"grid_step": 10},
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/cal.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Optimizer.GridStep)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Optimizer.WindowDays)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	writeConfigFile(t, dir, map[string]any{
		"store": map[string]any{"driver": "sqlite"},
		"log":   map[string]any{"level": "debug"},
	})

	t.Setenv("FINDABLE_STORE_DRIVER", "postgres")
	t.Setenv("FINDABLE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("FINDABLE_SERVER_PORT", "3000")
	t.Setenv("FINDABLE_DRIFT_RECENT_DAYS", "14")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 14, cfg.Drift.RecentDays)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config populated the way Load's defaults would.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Server.Port = 8080
	cfg.Experiment.SignificanceLevel = 0.05
	cfg.Drift.BaselineDays = 30
	cfg.Drift.RecentDays = 7
	return cfg
}

func TestValidateStore_PostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("store")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/findable"
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidateStore_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("store")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg = validDefaults()
	cfg.Experiment.SignificanceLevel = 1.5
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "significance_level")

	cfg = validDefaults()
	cfg.Drift.RecentDays = 30
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "drift.recent_days")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
