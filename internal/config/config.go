package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Optimizer  OptimizerConfig  `yaml:"optimizer" mapstructure:"optimizer"`
	Experiment ExperimentConfig `yaml:"experiment" mapstructure:"experiment"`
	Drift      DriftConfig      `yaml:"drift" mapstructure:"drift"`
	Weights    WeightsConfig    `yaml:"weights" mapstructure:"weights"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// OptimizerConfig configures the grid-search weight optimizer.
type OptimizerConfig struct {
	WindowDays        int     `yaml:"window_days" mapstructure:"window_days"`
	MinSamples        int     `yaml:"min_samples" mapstructure:"min_samples"`
	HoldoutFraction   float64 `yaml:"holdout_fraction" mapstructure:"holdout_fraction"`
	MinImprovement    float64 `yaml:"min_improvement" mapstructure:"min_improvement"`
	GridStep          int     `yaml:"grid_step" mapstructure:"grid_step"`
	MaxWeightDistance float64 `yaml:"max_weight_distance" mapstructure:"max_weight_distance"`
	MaxEvaluations    int     `yaml:"max_evaluations" mapstructure:"max_evaluations"`
	FinePhase         bool    `yaml:"fine_phase" mapstructure:"fine_phase"`
	BiasPenalty       float64 `yaml:"bias_penalty" mapstructure:"bias_penalty"`
	ConfigName        string  `yaml:"config_name" mapstructure:"config_name"`
}

// ExperimentConfig configures A/B experiment analysis.
type ExperimentConfig struct {
	MinSamplesPerArm  int     `yaml:"min_samples_per_arm" mapstructure:"min_samples_per_arm"`
	MinAnalyzeSamples int     `yaml:"min_analyze_samples" mapstructure:"min_analyze_samples"`
	SignificanceLevel float64 `yaml:"significance_level" mapstructure:"significance_level"`
}

// DriftConfig configures drift detection.
type DriftConfig struct {
	BaselineDays      int     `yaml:"baseline_days" mapstructure:"baseline_days"`
	RecentDays        int     `yaml:"recent_days" mapstructure:"recent_days"`
	AccuracyThreshold float64 `yaml:"accuracy_threshold" mapstructure:"accuracy_threshold"`
	BiasThreshold     float64 `yaml:"bias_threshold" mapstructure:"bias_threshold"`
	PillarThreshold   float64 `yaml:"pillar_threshold" mapstructure:"pillar_threshold"`
	MinSamples        int     `yaml:"min_samples" mapstructure:"min_samples"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// WeightsConfig configures weight resolution.
type WeightsConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FINDABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "findable.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("optimizer.window_days", 60)
	v.SetDefault("optimizer.min_samples", 50)
	v.SetDefault("optimizer.holdout_fraction", 0.2)
	v.SetDefault("optimizer.min_improvement", 0.02)
	v.SetDefault("optimizer.grid_step", 5)
	v.SetDefault("optimizer.max_weight_distance", 50)
	v.SetDefault("optimizer.max_evaluations", 250000)
	v.SetDefault("optimizer.fine_phase", true)
	v.SetDefault("optimizer.bias_penalty", 0.5)
	v.SetDefault("optimizer.config_name", "grid-search")
	v.SetDefault("experiment.min_samples_per_arm", 50)
	v.SetDefault("experiment.min_analyze_samples", 20)
	v.SetDefault("experiment.significance_level", 0.05)
	v.SetDefault("drift.baseline_days", 30)
	v.SetDefault("drift.recent_days", 7)
	v.SetDefault("drift.accuracy_threshold", 0.10)
	v.SetDefault("drift.bias_threshold", 0.30)
	v.SetDefault("drift.pillar_threshold", 0)
	v.SetDefault("drift.min_samples", 50)
	v.SetDefault("drift.check_interval_secs", 3600)
	v.SetDefault("weights.cache_ttl_secs", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given mode depends on. Modes: "store"
// (anything that opens the database), "serve" (store plus the HTTP server).
func (c *Config) Validate(mode string) error {
	var problems []string

	checkStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver (set FINDABLE_STORE_DATABASE_URL)")
			}
		case "sqlite":
		default:
			problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
		}
	}

	switch mode {
	case "store":
		checkStore()
	case "serve":
		checkStore()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Experiment.SignificanceLevel <= 0 || c.Experiment.SignificanceLevel >= 1 {
			problems = append(problems, "experiment.significance_level must be in (0, 1)")
		}
		if c.Drift.RecentDays >= c.Drift.BaselineDays {
			problems = append(problems, "drift.recent_days must be shorter than drift.baseline_days")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
