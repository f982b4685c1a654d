package calibration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/avgjoe1017/findable/internal/model"
)

// SQLiteStore implements Store on a local SQLite file. It exists for
// single-node deployments and local development where running Postgres is
// overkill; the schema mirrors the Postgres one.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite store at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: open %s", path)
	}
	// The modernc driver serializes at the connection level; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	database.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := database.Exec(pragma); err != nil {
			database.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", pragma)
		}
	}
	return &SQLiteStore{db: database}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS calibration_samples (
	id                      TEXT PRIMARY KEY,
	site_id                 TEXT NOT NULL,
	run_id                  TEXT NOT NULL,
	question_id             TEXT NOT NULL,
	predicted_answerability TEXT NOT NULL,
	predicted_confidence    REAL NOT NULL DEFAULT 0,
	signals_found           INTEGER NOT NULL DEFAULT 0,
	signals_total           INTEGER NOT NULL DEFAULT 0,
	relevance_score         REAL NOT NULL DEFAULT 0,
	source_primacy          REAL NOT NULL DEFAULT 0,
	observed_mentioned      INTEGER,
	observed_cited          INTEGER,
	observed_sentiment      TEXT NOT NULL DEFAULT '',
	observed_confidence     TEXT NOT NULL DEFAULT '',
	provider                TEXT NOT NULL DEFAULT '',
	model                   TEXT NOT NULL DEFAULT '',
	outcome                 TEXT NOT NULL,
	prediction_accurate     INTEGER NOT NULL DEFAULT 0,
	question_category       TEXT NOT NULL DEFAULT '',
	question_difficulty     TEXT NOT NULL DEFAULT '',
	question_text           TEXT NOT NULL DEFAULT '',
	site_type               TEXT NOT NULL DEFAULT '',
	industry                TEXT NOT NULL DEFAULT '',
	pillar_scores           TEXT NOT NULL,
	config_id               TEXT,
	experiment_id           TEXT,
	experiment_arm          TEXT,
	created_at              TIMESTAMP NOT NULL,
	UNIQUE (run_id, question_id)
);

CREATE INDEX IF NOT EXISTS idx_calibration_samples_site ON calibration_samples(site_id);
CREATE INDEX IF NOT EXISTS idx_calibration_samples_created ON calibration_samples(created_at);
CREATE INDEX IF NOT EXISTS idx_calibration_samples_experiment ON calibration_samples(experiment_id) WHERE experiment_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS calibration_configs (
	id                             TEXT PRIMARY KEY,
	name                           TEXT NOT NULL,
	version                        INTEGER NOT NULL DEFAULT 1,
	weights                        TEXT NOT NULL,
	fully_answerable_threshold     REAL NOT NULL,
	partially_answerable_threshold REAL NOT NULL,
	signal_coverage_weight         REAL NOT NULL,
	relevance_weight               REAL NOT NULL,
	primacy_bonus_weight           REAL NOT NULL,
	validation_accuracy            REAL,
	validation_samples             INTEGER,
	validation_optimism_bias       REAL,
	validation_pessimism_bias      REAL,
	status                         TEXT NOT NULL DEFAULT 'draft',
	created_at                     TIMESTAMP NOT NULL,
	updated_at                     TIMESTAMP NOT NULL,
	UNIQUE (name, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calibration_configs_one_active
	ON calibration_configs (status) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS calibration_experiments (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	control_config_id    TEXT NOT NULL REFERENCES calibration_configs(id),
	treatment_config_id  TEXT NOT NULL REFERENCES calibration_configs(id),
	treatment_allocation REAL NOT NULL,
	min_samples_per_arm  INTEGER NOT NULL,
	control_samples      INTEGER NOT NULL DEFAULT 0,
	treatment_samples    INTEGER NOT NULL DEFAULT 0,
	control_accuracy     REAL,
	treatment_accuracy   REAL,
	p_value              REAL,
	is_significant       INTEGER NOT NULL DEFAULT 0,
	winner               TEXT NOT NULL DEFAULT '',
	winner_reason        TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'draft',
	created_at           TIMESTAMP NOT NULL,
	started_at           TIMESTAMP,
	concluded_at         TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calibration_experiments_one_running
	ON calibration_experiments (status) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS calibration_drift_alerts (
	id               TEXT PRIMARY KEY,
	drift_type       TEXT NOT NULL,
	pillar           TEXT NOT NULL DEFAULT '',
	expected_value   REAL NOT NULL,
	observed_value   REAL NOT NULL,
	drift_magnitude  REAL NOT NULL,
	window_start     TIMESTAMP NOT NULL,
	window_end       TIMESTAMP NOT NULL,
	window_samples   INTEGER NOT NULL,
	baseline_start   TIMESTAMP,
	baseline_end     TIMESTAMP,
	baseline_samples INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'open',
	acknowledged_by  TEXT NOT NULL DEFAULT '',
	resolution_note  TEXT NOT NULL DEFAULT '',
	resolved_at      TIMESTAMP,
	created_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calibration_drift_alerts_status ON calibration_drift_alerts(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// InsertSamples inserts all samples in a single transaction so a duplicate
// (run_id, question_id) rolls the whole batch back.
func (s *SQLiteStore) InsertSamples(ctx context.Context, samples []model.CalibrationSample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert samples: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO calibration_samples (`+strings.Join(sampleColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert samples: prepare")
	}
	defer stmt.Close()

	for i := range samples {
		sm := &samples[i]
		pillarJSON, err := json.Marshal(sm.PillarScores)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal pillar scores")
		}
		if _, err := stmt.ExecContext(ctx,
			sm.ID, sm.SiteID, sm.RunID, sm.QuestionID,
			string(sm.PredictedAnswerability), sm.PredictedConfidence, sm.SignalsFound, sm.SignalsTotal,
			sm.RelevanceScore, sm.SourcePrimacy,
			boolPtrToInt(sm.ObservedMentioned), boolPtrToInt(sm.ObservedCited),
			sm.ObservedSentiment, sm.ObservedConfidence,
			sm.Provider, sm.Model,
			string(sm.Outcome), sm.PredictionAccurate,
			sm.QuestionCategory, sm.QuestionDifficulty, sm.QuestionText, sm.SiteType, sm.Industry,
			string(pillarJSON), sm.ConfigID, sm.ExperimentID, sm.ExperimentArm, sm.CreatedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert sample %s/%s", sm.RunID, sm.QuestionID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert samples: commit")
	}
	return int64(len(samples)), nil
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) RunHasSamples(ctx context.Context, runID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM calibration_samples WHERE run_id = ? LIMIT 1`, runID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: run has samples")
	}
	return true, nil
}

func (s *SQLiteStore) ListSamples(ctx context.Context, filter SampleFilter) ([]model.CalibrationSample, error) {
	query := `SELECT ` + strings.Join(sampleColumns, ", ") + ` FROM calibration_samples WHERE 1=1`
	args := []any{}

	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.ExperimentID != "" {
		query += ` AND experiment_id = ?`
		args = append(args, filter.ExperimentID)
	}
	if filter.ConfigID != "" {
		query += ` AND config_id = ?`
		args = append(args, filter.ConfigID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.Until)
	}
	if filter.ExcludeUnknown {
		query += ` AND outcome <> 'unknown'`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list samples")
	}
	defer rows.Close()

	var samples []model.CalibrationSample
	for rows.Next() {
		var sm model.CalibrationSample
		var answerability, outcome, pillarJSON string
		var mentioned, cited sql.NullBool

		if err := rows.Scan(
			&sm.ID, &sm.SiteID, &sm.RunID, &sm.QuestionID,
			&answerability, &sm.PredictedConfidence, &sm.SignalsFound, &sm.SignalsTotal,
			&sm.RelevanceScore, &sm.SourcePrimacy,
			&mentioned, &cited, &sm.ObservedSentiment, &sm.ObservedConfidence,
			&sm.Provider, &sm.Model,
			&outcome, &sm.PredictionAccurate,
			&sm.QuestionCategory, &sm.QuestionDifficulty, &sm.QuestionText, &sm.SiteType, &sm.Industry,
			&pillarJSON, &sm.ConfigID, &sm.ExperimentID, &sm.ExperimentArm, &sm.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sample")
		}
		if mentioned.Valid {
			v := mentioned.Bool
			sm.ObservedMentioned = &v
		}
		if cited.Valid {
			v := cited.Bool
			sm.ObservedCited = &v
		}
		if sm.PredictedAnswerability, err = model.ParseAnswerability(answerability); err != nil {
			return nil, err
		}
		if sm.Outcome, err = model.ParseOutcome(outcome); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pillarJSON), &sm.PillarScores); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal pillar scores")
		}
		samples = append(samples, sm)
	}
	return samples, eris.Wrap(rows.Err(), "sqlite: list samples iterate")
}

func (s *SQLiteStore) WindowStats(ctx context.Context, start, end time.Time) (*WindowStats, error) {
	var pillarAvgs []string
	for _, name := range model.PillarNames() {
		pillarAvgs = append(pillarAvgs,
			fmt.Sprintf(`COALESCE(AVG(CASE WHEN outcome <> 'unknown' THEN json_extract(pillar_scores, '$.%s') END), 0)`, name))
	}

	query := `
		SELECT
			SUM(CASE WHEN outcome <> 'unknown' THEN 1 ELSE 0 END),
			SUM(CASE WHEN prediction_accurate THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'optimistic' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'pessimistic' THEN 1 ELSE 0 END),
			` + strings.Join(pillarAvgs, ",\n\t\t\t") + `
		FROM calibration_samples
		WHERE created_at >= ? AND created_at < ?`

	stats := &WindowStats{Start: start, End: end}
	var total, accurate, optimistic, pessimistic sql.NullInt64
	means := make([]float64, 7)
	err := s.db.QueryRowContext(ctx, query, start, end).Scan(
		&total, &accurate, &optimistic, &pessimistic,
		&means[0], &means[1], &means[2], &means[3], &means[4], &means[5], &means[6],
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: window stats")
	}
	stats.Samples = int(total.Int64)
	stats.Accurate = int(accurate.Int64)

	finishWindowStats(stats, int(optimistic.Int64), int(pessimistic.Int64), means)
	return stats, nil
}

func (s *SQLiteStore) CreateConfig(ctx context.Context, cfg *model.CalibrationConfig) error {
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
		return eris.Wrap(err, "sqlite: marshal weights")
	}

	if cfg.Version <= 0 {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM calibration_configs WHERE name = ?`,
			cfg.Name,
		).Scan(&cfg.Version); err != nil {
			return eris.Wrap(err, "sqlite: next config version")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration_configs
		 (id, name, version, weights,
		  fully_answerable_threshold, partially_answerable_threshold,
		  signal_coverage_weight, relevance_weight, primacy_bonus_weight,
		  validation_accuracy, validation_samples, validation_optimism_bias, validation_pessimism_bias,
		  status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.Version, string(weightsJSON),
		cfg.FullyAnswerableThreshold, cfg.PartiallyAnswerableThreshold,
		cfg.SignalCoverageWeight, cfg.RelevanceWeight, cfg.PrimacyBonusWeight,
		cfg.ValidationAccuracy, cfg.ValidationSamples, cfg.ValidationOptimismBias, cfg.ValidationPessimismBias,
		string(cfg.Status), cfg.CreatedAt, cfg.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert config")
}

func (s *SQLiteStore) scanConfigRow(row *sql.Row) (*model.CalibrationConfig, error) {
	var cfg model.CalibrationConfig
	var weightsJSON, status string

	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Version, &weightsJSON,
		&cfg.FullyAnswerableThreshold, &cfg.PartiallyAnswerableThreshold,
		&cfg.SignalCoverageWeight, &cfg.RelevanceWeight, &cfg.PrimacyBonusWeight,
		&cfg.ValidationAccuracy, &cfg.ValidationSamples, &cfg.ValidationOptimismBias, &cfg.ValidationPessimismBias,
		&status, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(weightsJSON), &cfg.Weights); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal weights")
	}
	if cfg.Status, err = model.ParseConfigStatus(status); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *SQLiteStore) GetConfig(ctx context.Context, id string) (*model.CalibrationConfig, error) {
	cfg, err := s.scanConfigRow(s.db.QueryRowContext(ctx,
		`SELECT `+selectConfigColumns+` FROM calibration_configs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get config %s", id)
	}
	return cfg, nil
}

func (s *SQLiteStore) GetActiveConfig(ctx context.Context) (*model.CalibrationConfig, error) {
	cfg, err := s.scanConfigRow(s.db.QueryRowContext(ctx,
		`SELECT `+selectConfigColumns+` FROM calibration_configs WHERE status = 'active' LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get active config")
	}
	return cfg, nil
}

func (s *SQLiteStore) ListConfigs(ctx context.Context, status model.ConfigStatus, limit int) ([]model.CalibrationConfig, error) {
	query := `SELECT ` + selectConfigColumns + ` FROM calibration_configs WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list configs")
	}
	defer rows.Close()

	var configs []model.CalibrationConfig
	for rows.Next() {
		var cfg model.CalibrationConfig
		var weightsJSON, statusStr string
		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Version, &weightsJSON,
			&cfg.FullyAnswerableThreshold, &cfg.PartiallyAnswerableThreshold,
			&cfg.SignalCoverageWeight, &cfg.RelevanceWeight, &cfg.PrimacyBonusWeight,
			&cfg.ValidationAccuracy, &cfg.ValidationSamples, &cfg.ValidationOptimismBias, &cfg.ValidationPessimismBias,
			&statusStr, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan config")
		}
		if err := json.Unmarshal([]byte(weightsJSON), &cfg.Weights); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal weights")
		}
		if cfg.Status, err = model.ParseConfigStatus(statusStr); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, eris.Wrap(rows.Err(), "sqlite: list configs iterate")
}

func (s *SQLiteStore) ActivateConfig(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: activate config: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE calibration_configs SET status = 'archived', updated_at = ?
		 WHERE status = 'active' AND id <> ?`, time.Now().UTC(), id,
	); err != nil {
		return eris.Wrap(err, "sqlite: activate config: archive previous")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE calibration_configs SET status = 'active', updated_at = ?
		 WHERE id = ? AND status IN ('draft', 'validated', 'active')`, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: activate config %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("config not found or not activatable: %s", id)
	}

	return eris.Wrap(tx.Commit(), "sqlite: activate config: commit")
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *model.CalibrationExperiment) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_experiments
		 (id, name, control_config_id, treatment_config_id, treatment_allocation,
		  min_samples_per_arm, winner, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, exp.ControlConfigID, exp.TreatmentConfigID, exp.TreatmentAllocation,
		exp.MinSamplesPerArm, string(exp.Winner), string(exp.Status), exp.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert experiment")
}

func (s *SQLiteStore) scanExperimentRow(row *sql.Row) (*model.CalibrationExperiment, error) {
	var exp model.CalibrationExperiment
	var status, winner string

	err := row.Scan(
		&exp.ID, &exp.Name, &exp.ControlConfigID, &exp.TreatmentConfigID,
		&exp.TreatmentAllocation, &exp.MinSamplesPerArm, &exp.ControlSamples, &exp.TreatmentSamples,
		&exp.ControlAccuracy, &exp.TreatmentAccuracy, &exp.PValue, &exp.IsSignificant, &winner, &exp.WinnerReason,
		&status, &exp.CreatedAt, &exp.StartedAt, &exp.ConcludedAt,
	)
	if err != nil {
		return nil, err
	}
	if exp.Status, err = model.ParseExperimentStatus(status); err != nil {
		return nil, err
	}
	if winner != "" {
		exp.Winner = model.Winner(winner)
	}
	return &exp, nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.CalibrationExperiment, error) {
	exp, err := s.scanExperimentRow(s.db.QueryRowContext(ctx,
		`SELECT `+selectExperimentColumns+` FROM calibration_experiments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get experiment %s", id)
	}
	return exp, nil
}

func (s *SQLiteStore) GetRunningExperiment(ctx context.Context) (*model.CalibrationExperiment, error) {
	exp, err := s.scanExperimentRow(s.db.QueryRowContext(ctx,
		`SELECT `+selectExperimentColumns+` FROM calibration_experiments WHERE status = 'running' LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get running experiment")
	}
	return exp, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, status model.ExperimentStatus, limit int) ([]model.CalibrationExperiment, error) {
	query := `SELECT ` + selectExperimentColumns + ` FROM calibration_experiments WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close()

	var experiments []model.CalibrationExperiment
	for rows.Next() {
		var exp model.CalibrationExperiment
		var statusStr, winner string
		if err := rows.Scan(
			&exp.ID, &exp.Name, &exp.ControlConfigID, &exp.TreatmentConfigID,
			&exp.TreatmentAllocation, &exp.MinSamplesPerArm, &exp.ControlSamples, &exp.TreatmentSamples,
			&exp.ControlAccuracy, &exp.TreatmentAccuracy, &exp.PValue, &exp.IsSignificant, &winner, &exp.WinnerReason,
			&statusStr, &exp.CreatedAt, &exp.StartedAt, &exp.ConcludedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan experiment")
		}
		if exp.Status, err = model.ParseExperimentStatus(statusStr); err != nil {
			return nil, err
		}
		if winner != "" {
			exp.Winner = model.Winner(winner)
		}
		experiments = append(experiments, exp)
	}
	return experiments, eris.Wrap(rows.Err(), "sqlite: list experiments iterate")
}

func (s *SQLiteStore) StartExperiment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calibration_experiments SET status = 'running', started_at = ?
		 WHERE id = ? AND status = 'draft'`, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start experiment %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("experiment not found or not in draft: %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpdateExperimentCounts(ctx context.Context, id string, control, treatment int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calibration_experiments SET control_samples = ?, treatment_samples = ? WHERE id = ?`,
		control, treatment, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update experiment counts %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("experiment not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) ConcludeExperiment(ctx context.Context, exp *model.CalibrationExperiment, activateConfigID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: conclude experiment: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE calibration_experiments SET
			control_samples = ?, treatment_samples = ?,
			control_accuracy = ?, treatment_accuracy = ?,
			p_value = ?, is_significant = ?, winner = ?, winner_reason = ?,
			status = 'concluded', concluded_at = ?
		 WHERE id = ? AND status = 'running'`,
		exp.ControlSamples, exp.TreatmentSamples,
		exp.ControlAccuracy, exp.TreatmentAccuracy,
		exp.PValue, exp.IsSignificant, string(exp.Winner), exp.WinnerReason,
		time.Now().UTC(), exp.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: conclude experiment %s", exp.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("experiment not running: %s", exp.ID)
	}

	if activateConfigID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE calibration_configs SET status = 'archived', updated_at = ?
			 WHERE status = 'active' AND id <> ?`, time.Now().UTC(), activateConfigID,
		); err != nil {
			return eris.Wrap(err, "sqlite: conclude experiment: archive previous config")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE calibration_configs SET status = 'active', updated_at = ?
			 WHERE id = ? AND status IN ('draft', 'validated', 'active')`, time.Now().UTC(), activateConfigID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: conclude experiment: activate config %s", activateConfigID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Errorf("winner config not found or not activatable: %s", activateConfigID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: conclude experiment: commit")
}

func (s *SQLiteStore) CountExperimentSamples(ctx context.Context, experimentID, configID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calibration_samples WHERE experiment_id = ? AND config_id = ?`,
		experimentID, configID,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count experiment samples")
}

func (s *SQLiteStore) ArmOutcomeCounts(ctx context.Context, experimentID, configID string) (ArmCounts, error) {
	var counts ArmCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN prediction_accurate THEN 1 ELSE 0 END), 0),
			COUNT(*)
		 FROM calibration_samples
		 WHERE experiment_id = ? AND config_id = ? AND outcome <> 'unknown'`,
		experimentID, configID,
	).Scan(&counts.Accurate, &counts.Total)
	if err != nil {
		return counts, eris.Wrap(err, "sqlite: arm outcome counts")
	}
	return counts, nil
}

func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *model.CalibrationDriftAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Status == "" {
		alert.Status = model.AlertStatusOpen
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_drift_alerts
		 (id, drift_type, pillar, expected_value, observed_value, drift_magnitude,
		  window_start, window_end, window_samples,
		  baseline_start, baseline_end, baseline_samples,
		  status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, string(alert.DriftType), alert.Pillar,
		alert.ExpectedValue, alert.ObservedValue, alert.DriftMagnitude,
		alert.WindowStart, alert.WindowEnd, alert.WindowSamples,
		alert.BaselineStart, alert.BaselineEnd, alert.BaselineSamples,
		string(alert.Status), alert.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert drift alert")
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, status model.AlertStatus, limit int) ([]model.CalibrationDriftAlert, error) {
	query := `SELECT ` + selectAlertColumns + ` FROM calibration_drift_alerts WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list drift alerts")
	}
	defer rows.Close()

	var alerts []model.CalibrationDriftAlert
	for rows.Next() {
		var a model.CalibrationDriftAlert
		var driftType, statusStr string
		if err := rows.Scan(
			&a.ID, &driftType, &a.Pillar, &a.ExpectedValue, &a.ObservedValue, &a.DriftMagnitude,
			&a.WindowStart, &a.WindowEnd, &a.WindowSamples,
			&a.BaselineStart, &a.BaselineEnd, &a.BaselineSamples,
			&statusStr, &a.AcknowledgedBy, &a.ResolutionNote, &a.ResolvedAt, &a.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan drift alert")
		}
		if a.DriftType, err = model.ParseDriftType(driftType); err != nil {
			return nil, err
		}
		if a.Status, err = model.ParseAlertStatus(statusStr); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, eris.Wrap(rows.Err(), "sqlite: list drift alerts iterate")
}

func (s *SQLiteStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, actor, note string) error {
	if _, err := model.ParseAlertStatus(string(status)); err != nil {
		return err
	}

	var res sql.Result
	var err error
	if status == model.AlertStatusResolved {
		res, err = s.db.ExecContext(ctx,
			`UPDATE calibration_drift_alerts
			 SET status = ?, acknowledged_by = ?, resolution_note = ?, resolved_at = ?
			 WHERE id = ?`, string(status), actor, note, time.Now().UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE calibration_drift_alerts
			 SET status = ?, acknowledged_by = ?, resolution_note = ?
			 WHERE id = ?`, string(status), actor, note, id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update drift alert %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("drift alert not found: %s", id)
	}
	return nil
}
