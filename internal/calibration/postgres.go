package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/avgjoe1017/findable/internal/db"
	"github.com/avgjoe1017/findable/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests and by callers
// that manage pool lifecycle themselves.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// The partial unique indexes below are what enforce the at-most-one
// invariants. Concurrent activations or experiment starts race at the
// index, so exactly one commit wins regardless of worker count.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS calibration_samples (
	id                      TEXT PRIMARY KEY,
	site_id                 TEXT NOT NULL,
	run_id                  TEXT NOT NULL,
	question_id             TEXT NOT NULL,
	predicted_answerability TEXT NOT NULL,
	predicted_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	signals_found           INTEGER NOT NULL DEFAULT 0,
	signals_total           INTEGER NOT NULL DEFAULT 0,
	relevance_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_primacy          DOUBLE PRECISION NOT NULL DEFAULT 0,
	observed_mentioned      BOOLEAN,
	observed_cited          BOOLEAN,
	observed_sentiment      TEXT NOT NULL DEFAULT '',
	observed_confidence     TEXT NOT NULL DEFAULT '',
	provider                TEXT NOT NULL DEFAULT '',
	model                   TEXT NOT NULL DEFAULT '',
	outcome                 TEXT NOT NULL,
	prediction_accurate     BOOLEAN NOT NULL DEFAULT FALSE,
	question_category       TEXT NOT NULL DEFAULT '',
	question_difficulty     TEXT NOT NULL DEFAULT '',
	question_text           TEXT NOT NULL DEFAULT '',
	site_type               TEXT NOT NULL DEFAULT '',
	industry                TEXT NOT NULL DEFAULT '',
	pillar_scores           JSONB NOT NULL,
	config_id               TEXT,
	experiment_id           TEXT,
	experiment_arm          TEXT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, question_id)
);

CREATE INDEX IF NOT EXISTS idx_calibration_samples_site ON calibration_samples(site_id);
CREATE INDEX IF NOT EXISTS idx_calibration_samples_created ON calibration_samples(created_at);
CREATE INDEX IF NOT EXISTS idx_calibration_samples_experiment ON calibration_samples(experiment_id) WHERE experiment_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_calibration_samples_outcome ON calibration_samples(outcome);

CREATE TABLE IF NOT EXISTS calibration_configs (
	id                             TEXT PRIMARY KEY,
	name                           TEXT NOT NULL,
	version                        INTEGER NOT NULL DEFAULT 1,
	weights                        JSONB NOT NULL,
	fully_answerable_threshold     DOUBLE PRECISION NOT NULL,
	partially_answerable_threshold DOUBLE PRECISION NOT NULL,
	signal_coverage_weight         DOUBLE PRECISION NOT NULL,
	relevance_weight               DOUBLE PRECISION NOT NULL,
	primacy_bonus_weight           DOUBLE PRECISION NOT NULL,
	validation_accuracy            DOUBLE PRECISION,
	validation_samples             INTEGER,
	validation_optimism_bias       DOUBLE PRECISION,
	validation_pessimism_bias      DOUBLE PRECISION,
	status                         TEXT NOT NULL DEFAULT 'draft',
	created_at                     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (name, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calibration_configs_one_active
	ON calibration_configs ((status)) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS calibration_experiments (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	control_config_id    TEXT NOT NULL REFERENCES calibration_configs(id),
	treatment_config_id  TEXT NOT NULL REFERENCES calibration_configs(id),
	treatment_allocation DOUBLE PRECISION NOT NULL,
	min_samples_per_arm  INTEGER NOT NULL,
	control_samples      INTEGER NOT NULL DEFAULT 0,
	treatment_samples    INTEGER NOT NULL DEFAULT 0,
	control_accuracy     DOUBLE PRECISION,
	treatment_accuracy   DOUBLE PRECISION,
	p_value              DOUBLE PRECISION,
	is_significant       BOOLEAN NOT NULL DEFAULT FALSE,
	winner               TEXT NOT NULL DEFAULT '',
	winner_reason        TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'draft',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at           TIMESTAMPTZ,
	concluded_at         TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calibration_experiments_one_running
	ON calibration_experiments ((status)) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS calibration_drift_alerts (
	id               TEXT PRIMARY KEY,
	drift_type       TEXT NOT NULL,
	pillar           TEXT NOT NULL DEFAULT '',
	expected_value   DOUBLE PRECISION NOT NULL,
	observed_value   DOUBLE PRECISION NOT NULL,
	drift_magnitude  DOUBLE PRECISION NOT NULL,
	window_start     TIMESTAMPTZ NOT NULL,
	window_end       TIMESTAMPTZ NOT NULL,
	window_samples   INTEGER NOT NULL,
	baseline_start   TIMESTAMPTZ,
	baseline_end     TIMESTAMPTZ,
	baseline_samples INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'open',
	acknowledged_by  TEXT NOT NULL DEFAULT '',
	resolution_note  TEXT NOT NULL DEFAULT '',
	resolved_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_calibration_drift_alerts_status ON calibration_drift_alerts(status);
CREATE INDEX IF NOT EXISTS idx_calibration_drift_alerts_created ON calibration_drift_alerts(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// sampleColumns is the canonical column order for calibration_samples.
var sampleColumns = []string{
	"id", "site_id", "run_id", "question_id",
	"predicted_answerability", "predicted_confidence", "signals_found", "signals_total",
	"relevance_score", "source_primacy",
	"observed_mentioned", "observed_cited", "observed_sentiment", "observed_confidence",
	"provider", "model",
	"outcome", "prediction_accurate",
	"question_category", "question_difficulty", "question_text", "site_type", "industry",
	"pillar_scores", "config_id", "experiment_id", "experiment_arm", "created_at",
}

// InsertSamples bulk-inserts samples via COPY. The COPY runs in a single
// implicit transaction: a duplicate (run_id, question_id) fails the whole
// batch, so a retried collection never leaves partial writes.
func (s *PostgresStore) InsertSamples(ctx context.Context, samples []model.CalibrationSample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(samples))
	for i := range samples {
		sm := &samples[i]
		pillarJSON, err := json.Marshal(sm.PillarScores)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal pillar scores")
		}
		rows = append(rows, []any{
			sm.ID, sm.SiteID, sm.RunID, sm.QuestionID,
			string(sm.PredictedAnswerability), sm.PredictedConfidence, sm.SignalsFound, sm.SignalsTotal,
			sm.RelevanceScore, sm.SourcePrimacy,
			sm.ObservedMentioned, sm.ObservedCited, sm.ObservedSentiment, sm.ObservedConfidence,
			sm.Provider, sm.Model,
			string(sm.Outcome), sm.PredictionAccurate,
			sm.QuestionCategory, sm.QuestionDifficulty, sm.QuestionText, sm.SiteType, sm.Industry,
			pillarJSON, sm.ConfigID, sm.ExperimentID, sm.ExperimentArm, sm.CreatedAt,
		})
	}

	n, err := db.CopyFrom(ctx, s.pool, "calibration_samples", sampleColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert samples")
	}
	return n, nil
}

func (s *PostgresStore) RunHasSamples(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM calibration_samples WHERE run_id = $1)`,
		runID,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: run has samples")
}

const selectSampleColumns = `id, site_id, run_id, question_id,
	predicted_answerability, predicted_confidence, signals_found, signals_total,
	relevance_score, source_primacy,
	observed_mentioned, observed_cited, observed_sentiment, observed_confidence,
	provider, model, outcome, prediction_accurate,
	question_category, question_difficulty, question_text, site_type, industry,
	pillar_scores, config_id, experiment_id, experiment_arm, created_at`

func (s *PostgresStore) ListSamples(ctx context.Context, filter SampleFilter) ([]model.CalibrationSample, error) {
	query := `SELECT ` + selectSampleColumns + ` FROM calibration_samples WHERE true`
	args := []any{}
	argIdx := 1

	add := func(clause string, val any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, val)
		argIdx++
	}

	if filter.SiteID != "" {
		add(` AND site_id = $%d`, filter.SiteID)
	}
	if filter.RunID != "" {
		add(` AND run_id = $%d`, filter.RunID)
	}
	if filter.ExperimentID != "" {
		add(` AND experiment_id = $%d`, filter.ExperimentID)
	}
	if filter.ConfigID != "" {
		add(` AND config_id = $%d`, filter.ConfigID)
	}
	if !filter.Since.IsZero() {
		add(` AND created_at >= $%d`, filter.Since)
	}
	if !filter.Until.IsZero() {
		add(` AND created_at < $%d`, filter.Until)
	}
	if filter.ExcludeUnknown {
		query += ` AND outcome <> 'unknown'`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}
	add(` LIMIT $%d`, limit)
	if filter.Offset > 0 {
		add(` OFFSET $%d`, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list samples")
	}
	defer rows.Close()

	var samples []model.CalibrationSample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, *sm)
	}
	return samples, eris.Wrap(rows.Err(), "postgres: list samples iterate")
}

func scanSample(row pgx.Row) (*model.CalibrationSample, error) {
	var sm model.CalibrationSample
	var answerability, outcome string
	var pillarJSON []byte

	err := row.Scan(
		&sm.ID, &sm.SiteID, &sm.RunID, &sm.QuestionID,
		&answerability, &sm.PredictedConfidence, &sm.SignalsFound, &sm.SignalsTotal,
		&sm.RelevanceScore, &sm.SourcePrimacy,
		&sm.ObservedMentioned, &sm.ObservedCited, &sm.ObservedSentiment, &sm.ObservedConfidence,
		&sm.Provider, &sm.Model,
		&outcome, &sm.PredictionAccurate,
		&sm.QuestionCategory, &sm.QuestionDifficulty, &sm.QuestionText, &sm.SiteType, &sm.Industry,
		&pillarJSON, &sm.ConfigID, &sm.ExperimentID, &sm.ExperimentArm, &sm.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan sample")
	}

	if sm.PredictedAnswerability, err = model.ParseAnswerability(answerability); err != nil {
		return nil, err
	}
	if sm.Outcome, err = model.ParseOutcome(outcome); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pillarJSON, &sm.PillarScores); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pillar scores")
	}
	return &sm, nil
}

// WindowStats aggregates outcome counts and pillar means over [start, end).
func (s *PostgresStore) WindowStats(ctx context.Context, start, end time.Time) (*WindowStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE outcome <> 'unknown'),
			COUNT(*) FILTER (WHERE prediction_accurate),
			COUNT(*) FILTER (WHERE outcome = 'optimistic'),
			COUNT(*) FILTER (WHERE outcome = 'pessimistic'),
			COALESCE(AVG((pillar_scores->>'technical')::double precision) FILTER (WHERE outcome <> 'unknown'), 0),
			COALESCE(AVG((pillar_scores->>'structure')::double precision) FILTER (WHERE outcome <> 'unknown'), 0),
			COALESCE(AVG((pillar_scores->>'schema')::double precision) FILTER (WHERE outcome <> 'unknown'), 0),
			COALESCE(AVG((pillar_scores->>'authority')::double precision) FILTER (WHERE outcome <> 'unknown'), 0),
			COALESCE(AVG((pillar_scores->>'entity_recognition')::double precision) FILTER (WHERE outcome <> 'unknown'), 0),
			COALESCE(AVG((pillar_scores->>'retrieval')::double precision) FILTER (WHERE outcome <> 'unknown'), 0),
			COALESCE(AVG((pillar_scores->>'coverage')::double precision) FILTER (WHERE outcome <> 'unknown'), 0)
		FROM calibration_samples
		WHERE created_at >= $1 AND created_at < $2`

	stats := &WindowStats{Start: start, End: end}
	var optimistic, pessimistic int
	means := make([]float64, 7)
	err := s.pool.QueryRow(ctx, query, start, end).Scan(
		&stats.Samples, &stats.Accurate, &optimistic, &pessimistic,
		&means[0], &means[1], &means[2], &means[3], &means[4], &means[5], &means[6],
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: window stats")
	}

	finishWindowStats(stats, optimistic, pessimistic, means)
	return stats, nil
}

// finishWindowStats derives rates from raw counts. Shared with the SQLite
// store.
func finishWindowStats(stats *WindowStats, optimistic, pessimistic int, means []float64) {
	if stats.Samples > 0 {
		n := float64(stats.Samples)
		stats.Accuracy = float64(stats.Accurate) / n
		stats.OptimismRate = float64(optimistic) / n
		stats.PessimismRate = float64(pessimistic) / n
	}
	stats.PillarMeans = make(map[string]float64, 7)
	for i, name := range model.PillarNames() {
		stats.PillarMeans[name] = means[i]
	}
}

func (s *PostgresStore) CreateConfig(ctx context.Context, cfg *model.CalibrationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	if cfg.Status == "" {
		cfg.Status = model.ConfigStatusDraft
	}

	weightsJSON, err := json.Marshal(cfg.Weights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal weights")
	}

	if cfg.Version <= 0 {
		if err := s.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM calibration_configs WHERE name = $1`,
			cfg.Name,
		).Scan(&cfg.Version); err != nil {
			return eris.Wrap(err, "postgres: next config version")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO calibration_configs
		 (id, name, version, weights,
		  fully_answerable_threshold, partially_answerable_threshold,
		  signal_coverage_weight, relevance_weight, primacy_bonus_weight,
		  validation_accuracy, validation_samples, validation_optimism_bias, validation_pessimism_bias,
		  status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		cfg.ID, cfg.Name, cfg.Version, weightsJSON,
		cfg.FullyAnswerableThreshold, cfg.PartiallyAnswerableThreshold,
		cfg.SignalCoverageWeight, cfg.RelevanceWeight, cfg.PrimacyBonusWeight,
		cfg.ValidationAccuracy, cfg.ValidationSamples, cfg.ValidationOptimismBias, cfg.ValidationPessimismBias,
		string(cfg.Status), cfg.CreatedAt, cfg.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert config")
}

const selectConfigColumns = `id, name, version, weights,
	fully_answerable_threshold, partially_answerable_threshold,
	signal_coverage_weight, relevance_weight, primacy_bonus_weight,
	validation_accuracy, validation_samples, validation_optimism_bias, validation_pessimism_bias,
	status, created_at, updated_at`

func scanConfig(row pgx.Row) (*model.CalibrationConfig, error) {
	var cfg model.CalibrationConfig
	var weightsJSON []byte
	var status string

	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Version, &weightsJSON,
		&cfg.FullyAnswerableThreshold, &cfg.PartiallyAnswerableThreshold,
		&cfg.SignalCoverageWeight, &cfg.RelevanceWeight, &cfg.PrimacyBonusWeight,
		&cfg.ValidationAccuracy, &cfg.ValidationSamples, &cfg.ValidationOptimismBias, &cfg.ValidationPessimismBias,
		&status, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan config")
	}
	if err := json.Unmarshal(weightsJSON, &cfg.Weights); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal weights")
	}
	if cfg.Status, err = model.ParseConfigStatus(status); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) GetConfig(ctx context.Context, id string) (*model.CalibrationConfig, error) {
	cfg, err := scanConfig(s.pool.QueryRow(ctx,
		`SELECT `+selectConfigColumns+` FROM calibration_configs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get config %s", id)
	}
	return cfg, nil
}

// GetActiveConfig returns the single active config, or nil if none is active.
func (s *PostgresStore) GetActiveConfig(ctx context.Context) (*model.CalibrationConfig, error) {
	cfg, err := scanConfig(s.pool.QueryRow(ctx,
		`SELECT `+selectConfigColumns+` FROM calibration_configs WHERE status = 'active' LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get active config")
	}
	return cfg, nil
}

func (s *PostgresStore) ListConfigs(ctx context.Context, status model.ConfigStatus, limit int) ([]model.CalibrationConfig, error) {
	query := `SELECT ` + selectConfigColumns + ` FROM calibration_configs WHERE true`
	args := []any{}
	argIdx := 1
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list configs")
	}
	defer rows.Close()

	var configs []model.CalibrationConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, eris.Wrap(rows.Err(), "postgres: list configs iterate")
}

// ActivateConfig atomically archives the currently active config (if any)
// and activates the given one. A reader never observes zero or two active
// configs; the partial unique index rejects concurrent winners.
func (s *PostgresStore) ActivateConfig(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: activate config: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE calibration_configs SET status = 'archived', updated_at = now()
		 WHERE status = 'active' AND id <> $1`, id,
	); err != nil {
		return eris.Wrap(err, "postgres: activate config: archive previous")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE calibration_configs SET status = 'active', updated_at = now()
		 WHERE id = $1 AND status IN ('draft', 'validated', 'active')`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: activate config %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("config not found or not activatable: %s", id)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: activate config: commit")
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp *model.CalibrationExperiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	exp.CreatedAt = time.Now().UTC()
	if exp.Status == "" {
		exp.Status = model.ExperimentStatusDraft
	}
	if exp.Winner == "" {
		exp.Winner = model.WinnerNone
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO calibration_experiments
		 (id, name, control_config_id, treatment_config_id, treatment_allocation,
		  min_samples_per_arm, winner, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exp.ID, exp.Name, exp.ControlConfigID, exp.TreatmentConfigID, exp.TreatmentAllocation,
		exp.MinSamplesPerArm, string(exp.Winner), string(exp.Status), exp.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert experiment")
}

const selectExperimentColumns = `id, name, control_config_id, treatment_config_id,
	treatment_allocation, min_samples_per_arm, control_samples, treatment_samples,
	control_accuracy, treatment_accuracy, p_value, is_significant, winner, winner_reason,
	status, created_at, started_at, concluded_at`

func scanExperiment(row pgx.Row) (*model.CalibrationExperiment, error) {
	var exp model.CalibrationExperiment
	var status, winner string

	err := row.Scan(
		&exp.ID, &exp.Name, &exp.ControlConfigID, &exp.TreatmentConfigID,
		&exp.TreatmentAllocation, &exp.MinSamplesPerArm, &exp.ControlSamples, &exp.TreatmentSamples,
		&exp.ControlAccuracy, &exp.TreatmentAccuracy, &exp.PValue, &exp.IsSignificant, &winner, &exp.WinnerReason,
		&status, &exp.CreatedAt, &exp.StartedAt, &exp.ConcludedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan experiment")
	}
	if exp.Status, err = model.ParseExperimentStatus(status); err != nil {
		return nil, err
	}
	if winner != "" {
		exp.Winner = model.Winner(winner)
	}
	return &exp, nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.CalibrationExperiment, error) {
	exp, err := scanExperiment(s.pool.QueryRow(ctx,
		`SELECT `+selectExperimentColumns+` FROM calibration_experiments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get experiment %s", id)
	}
	return exp, nil
}

// GetRunningExperiment returns the single running experiment, or nil.
func (s *PostgresStore) GetRunningExperiment(ctx context.Context) (*model.CalibrationExperiment, error) {
	exp, err := scanExperiment(s.pool.QueryRow(ctx,
		`SELECT `+selectExperimentColumns+` FROM calibration_experiments WHERE status = 'running' LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get running experiment")
	}
	return exp, nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context, status model.ExperimentStatus, limit int) ([]model.CalibrationExperiment, error) {
	query := `SELECT ` + selectExperimentColumns + ` FROM calibration_experiments WHERE true`
	args := []any{}
	argIdx := 1
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	var experiments []model.CalibrationExperiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, *exp)
	}
	return experiments, eris.Wrap(rows.Err(), "postgres: list experiments iterate")
}

// StartExperiment transitions draft -> running. The partial unique index on
// running status makes concurrent starts race to exactly one winner.
func (s *PostgresStore) StartExperiment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calibration_experiments SET status = 'running', started_at = now()
		 WHERE id = $1 AND status = 'draft'`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start experiment %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("experiment not found or not in draft: %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateExperimentCounts(ctx context.Context, id string, control, treatment int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calibration_experiments SET control_samples = $2, treatment_samples = $3 WHERE id = $1`,
		id, control, treatment,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update experiment counts %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("experiment not found: %s", id)
	}
	return nil
}

// ConcludeExperiment persists the final analysis fields, marks the
// experiment concluded, and optionally activates the winning config, all in
// one transaction. Either everything commits or nothing does.
func (s *PostgresStore) ConcludeExperiment(ctx context.Context, exp *model.CalibrationExperiment, activateConfigID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: conclude experiment: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE calibration_experiments SET
			control_samples = $2, treatment_samples = $3,
			control_accuracy = $4, treatment_accuracy = $5,
			p_value = $6, is_significant = $7, winner = $8, winner_reason = $9,
			status = 'concluded', concluded_at = now()
		 WHERE id = $1 AND status = 'running'`,
		exp.ID, exp.ControlSamples, exp.TreatmentSamples,
		exp.ControlAccuracy, exp.TreatmentAccuracy,
		exp.PValue, exp.IsSignificant, string(exp.Winner), exp.WinnerReason,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: conclude experiment %s", exp.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("experiment not running: %s", exp.ID)
	}

	if activateConfigID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE calibration_configs SET status = 'archived', updated_at = now()
			 WHERE status = 'active' AND id <> $1`, activateConfigID,
		); err != nil {
			return eris.Wrap(err, "postgres: conclude experiment: archive previous config")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE calibration_configs SET status = 'active', updated_at = now()
			 WHERE id = $1 AND status IN ('draft', 'validated', 'active')`, activateConfigID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: conclude experiment: activate config %s", activateConfigID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("winner config not found or not activatable: %s", activateConfigID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: conclude experiment: commit")
}

// CountExperimentSamples counts all samples tagged with the experiment and
// the given arm's config id.
func (s *PostgresStore) CountExperimentSamples(ctx context.Context, experimentID, configID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM calibration_samples WHERE experiment_id = $1 AND config_id = $2`,
		experimentID, configID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count experiment samples")
}

// ArmOutcomeCounts returns accuracy counts for one arm, restricted to
// non-unknown outcomes.
func (s *PostgresStore) ArmOutcomeCounts(ctx context.Context, experimentID, configID string) (ArmCounts, error) {
	var counts ArmCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE prediction_accurate),
			COUNT(*)
		 FROM calibration_samples
		 WHERE experiment_id = $1 AND config_id = $2 AND outcome <> 'unknown'`,
		experimentID, configID,
	).Scan(&counts.Accurate, &counts.Total)
	return counts, eris.Wrap(err, "postgres: arm outcome counts")
}

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *model.CalibrationDriftAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Status == "" {
		alert.Status = model.AlertStatusOpen
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO calibration_drift_alerts
		 (id, drift_type, pillar, expected_value, observed_value, drift_magnitude,
		  window_start, window_end, window_samples,
		  baseline_start, baseline_end, baseline_samples,
		  status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		alert.ID, string(alert.DriftType), alert.Pillar,
		alert.ExpectedValue, alert.ObservedValue, alert.DriftMagnitude,
		alert.WindowStart, alert.WindowEnd, alert.WindowSamples,
		alert.BaselineStart, alert.BaselineEnd, alert.BaselineSamples,
		string(alert.Status), alert.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert drift alert")
}

const selectAlertColumns = `id, drift_type, pillar, expected_value, observed_value, drift_magnitude,
	window_start, window_end, window_samples, baseline_start, baseline_end, baseline_samples,
	status, acknowledged_by, resolution_note, resolved_at, created_at`

func scanAlert(row pgx.Row) (*model.CalibrationDriftAlert, error) {
	var a model.CalibrationDriftAlert
	var driftType, status string

	err := row.Scan(
		&a.ID, &driftType, &a.Pillar, &a.ExpectedValue, &a.ObservedValue, &a.DriftMagnitude,
		&a.WindowStart, &a.WindowEnd, &a.WindowSamples,
		&a.BaselineStart, &a.BaselineEnd, &a.BaselineSamples,
		&status, &a.AcknowledgedBy, &a.ResolutionNote, &a.ResolvedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan drift alert")
	}
	if a.DriftType, err = model.ParseDriftType(driftType); err != nil {
		return nil, err
	}
	if a.Status, err = model.ParseAlertStatus(status); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, status model.AlertStatus, limit int) ([]model.CalibrationDriftAlert, error) {
	query := `SELECT ` + selectAlertColumns + ` FROM calibration_drift_alerts WHERE true`
	args := []any{}
	argIdx := 1
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list drift alerts")
	}
	defer rows.Close()

	var alerts []model.CalibrationDriftAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, eris.Wrap(rows.Err(), "postgres: list drift alerts iterate")
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, actor, note string) error {
	if _, err := model.ParseAlertStatus(string(status)); err != nil {
		return err
	}

	var tagQuery string
	switch status {
	case model.AlertStatusResolved:
		tagQuery = `UPDATE calibration_drift_alerts
			SET status = $2, acknowledged_by = $3, resolution_note = $4, resolved_at = now()
			WHERE id = $1`
	default:
		tagQuery = `UPDATE calibration_drift_alerts
			SET status = $2, acknowledged_by = $3, resolution_note = $4
			WHERE id = $1`
	}

	tag, err := s.pool.Exec(ctx, tagQuery, id, string(status), actor, note)
	if err != nil {
		return eris.Wrapf(err, "postgres: update drift alert %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("drift alert not found: %s", id)
	}
	return nil
}
