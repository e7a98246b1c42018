package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"forge/internal/database"
	"forge/internal/models"
)

// MetricsStore owns all persistence for training pairs, comparisons,
// training runs, model versions and evaluations. Every other component
// goes through it; nothing else touches the database file.
type MetricsStore struct {
	db *database.DB
}

// New creates a metrics store on an initialized database
func New(db *database.DB) *MetricsStore {
	return &MetricsStore{db: db}
}

// HashPrompt returns the content-addressed dedup key for a prompt
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return hex.EncodeToString(sum[:])
}

// ==========================================================================
// Training pairs
// ==========================================================================

// RecordPair inserts a training pair keyed on its prompt hash. Inserts are
// idempotent: re-collecting the same prompt is silently ignored and the
// row count does not change.
func (s *MetricsStore) RecordPair(pair *models.TrainingPair) error {
	if pair.PromptHash == "" {
		return fmt.Errorf("training pair has no prompt hash")
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO training_pairs (
			prompt_hash, complexity, routed_to,
			primary_length, shadow_length,
			primary_duration_ms, shadow_duration_ms,
			shadow_model, has_code, task_type, task_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pair.PromptHash, pair.Complexity, pair.RoutedTo,
		pair.PrimaryLength, pair.ShadowLength,
		pair.PrimaryDurationMs, pair.ShadowDurationMs,
		pair.ShadowModel, pair.HasCode, string(pair.TaskType), pair.TaskConfidence,
	)
	if err != nil {
		return fmt.Errorf("failed to record training pair: %w", err)
	}
	return nil
}

// UnusedPairCount returns how many pairs have not yet been consumed by a
// training run
func (s *MetricsStore) UnusedPairCount() (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM training_pairs WHERE used_in_training = 0",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unused pairs: %w", err)
	}
	return count, nil
}

// TotalPairCount returns the total number of stored pairs
func (s *MetricsStore) TotalPairCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM training_pairs").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pairs: %w", err)
	}
	return count, nil
}

// MarkPairsUsed transitions all currently-unused pairs to used, tagging
// them with the consuming version. The single UPDATE makes the transition
// atomic: no pair can end up tagged by two versions or skipped by a racing
// writer. The used flag is monotonic — there is deliberately no way back.
func (s *MetricsStore) MarkPairsUsed(version string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE training_pairs
		SET used_in_training = 1, training_version = ?
		WHERE used_in_training = 0`,
		version,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark pairs used: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// ==========================================================================
// Comparisons
// ==========================================================================

// RecordComparison stores a full-fidelity side-by-side record
func (s *MetricsStore) RecordComparison(cmp *models.Comparison) error {
	_, err := s.db.Exec(`
		INSERT INTO comparisons (
			id, prompt, goal, context, routed_to,
			primary_response, shadow_response,
			primary_model, shadow_model, task_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmp.ID, cmp.Prompt, cmp.Goal, cmp.Context, cmp.RoutedTo,
		cmp.PrimaryResponse, cmp.ShadowResponse,
		cmp.PrimaryModel, cmp.ShadowModel, string(cmp.TaskType),
	)
	if err != nil {
		return fmt.Errorf("failed to record comparison: %w", err)
	}
	return nil
}

// ==========================================================================
// Training runs
// ==========================================================================

// StartRun creates a training run in the running state
func (s *MetricsStore) StartRun(version string) error {
	_, err := s.db.Exec(
		"INSERT INTO training_runs (version, status) VALUES (?, 'running')",
		version,
	)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", version, err)
	}
	return nil
}

// CompleteRun records the single successful terminal update for a run.
// It refuses to touch a run that already reached a terminal state.
func (s *MetricsStore) CompleteRun(run *models.TrainingRun) error {
	res, err := s.db.Exec(`
		UPDATE training_runs
		SET completed_at = CURRENT_TIMESTAMP, status = 'completed',
		    train_loss = ?, val_loss = ?, example_count = ?,
		    iterations = ?, duration_seconds = ?
		WHERE version = ? AND status = 'running'`,
		run.TrainLoss, run.ValLoss, run.ExampleCount,
		run.Iterations, run.DurationSeconds, run.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.Version, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("run %s is not in the running state", run.Version)
	}
	return nil
}

// FailRun records the single failed terminal update for a run
func (s *MetricsStore) FailRun(version, errMsg string, durationSeconds float64) error {
	res, err := s.db.Exec(`
		UPDATE training_runs
		SET completed_at = CURRENT_TIMESTAMP, status = 'failed',
		    error = ?, duration_seconds = ?
		WHERE version = ? AND status = 'running'`,
		errMsg, durationSeconds, version,
	)
	if err != nil {
		return fmt.Errorf("failed to fail run %s: %w", version, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("run %s is not in the running state", version)
	}
	return nil
}

// GetRun fetches a run by version
func (s *MetricsStore) GetRun(version string) (*models.TrainingRun, error) {
	run := &models.TrainingRun{}
	var completedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT version, started_at, completed_at, train_loss, val_loss,
		       example_count, iterations, duration_seconds, status, error
		FROM training_runs WHERE version = ?`, version,
	).Scan(
		&run.Version, &run.StartedAt, &completedAt, &run.TrainLoss, &run.ValLoss,
		&run.ExampleCount, &run.Iterations, &run.DurationSeconds, &run.Status, &run.Error,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", version, err)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// ==========================================================================
// Model versions
// ==========================================================================

// NextVersion derives the next version identifier. Both tables are
// counted because a run that fails before training leaves a run row but no
// version row; counting only versions would reissue the failed identifier.
func (s *MetricsStore) NextVersion() (string, error) {
	var versions, runs int
	err := s.db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM model_versions),
		       (SELECT COUNT(*) FROM training_runs)`,
	).Scan(&versions, &runs)
	if err != nil {
		return "", fmt.Errorf("failed to count versions: %w", err)
	}
	if runs > versions {
		versions = runs
	}
	return fmt.Sprintf("v%d", versions+1), nil
}

// CreateVersion registers a new model version record
func (s *MetricsStore) CreateVersion(v *models.ModelVersion) error {
	_, err := s.db.Exec(`
		INSERT INTO model_versions (
			version, adapter_path, fused_path, gguf_path,
			benchmark_score, deployed, active, notes
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		v.Version, v.AdapterPath, v.FusedPath, v.GGUFPath,
		v.BenchmarkScore, v.Deployed, v.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create version %s: %w", v.Version, err)
	}
	return nil
}

// VersionPatch is a partial field update for a model version; nil fields
// are left untouched.
type VersionPatch struct {
	AdapterPath    *string
	FusedPath      *string
	GGUFPath       *string
	BenchmarkScore *float64
	Deployed       *bool
	Notes          *string
}

// UpdateVersion applies a partial patch to a version record
func (s *MetricsStore) UpdateVersion(version string, patch VersionPatch) error {
	sets := []string{}
	args := []interface{}{}

	if patch.AdapterPath != nil {
		sets = append(sets, "adapter_path = ?")
		args = append(args, *patch.AdapterPath)
	}
	if patch.FusedPath != nil {
		sets = append(sets, "fused_path = ?")
		args = append(args, *patch.FusedPath)
	}
	if patch.GGUFPath != nil {
		sets = append(sets, "gguf_path = ?")
		args = append(args, *patch.GGUFPath)
	}
	if patch.BenchmarkScore != nil {
		sets = append(sets, "benchmark_score = ?")
		args = append(args, *patch.BenchmarkScore)
	}
	if patch.Deployed != nil {
		sets = append(sets, "deployed = ?")
		args = append(args, *patch.Deployed)
	}
	if patch.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *patch.Notes)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, version)
	query := "UPDATE model_versions SET " + strings.Join(sets, ", ") + " WHERE version = ?"
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update version %s: %w", version, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("version %s not found", version)
	}
	return nil
}

// SetActiveVersion makes the given version the single active one. The
// deactivate-all then activate-one sequence runs inside one transaction so
// a concurrent reader never observes zero or two active versions.
func (s *MetricsStore) SetActiveVersion(version string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE model_versions SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("failed to deactivate versions: %w", err)
	}

	res, err := tx.Exec("UPDATE model_versions SET active = 1 WHERE version = ?", version)
	if err != nil {
		return fmt.Errorf("failed to activate version %s: %w", version, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("version %s not found", version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}

	log.Printf("🔁 [STORE] Active version set to %s", version)
	return nil
}

// GetActiveVersion returns the currently active version, or nil when no
// version has been activated yet.
func (s *MetricsStore) GetActiveVersion() (*models.ModelVersion, error) {
	v, err := s.scanVersion(s.db.QueryRow(
		selectVersionColumns + " FROM model_versions WHERE active = 1",
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// GetVersion fetches a version by identifier
func (s *MetricsStore) GetVersion(version string) (*models.ModelVersion, error) {
	v, err := s.scanVersion(s.db.QueryRow(
		selectVersionColumns+" FROM model_versions WHERE version = ?", version,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version %s not found", version)
	}
	return v, err
}

const selectVersionColumns = `SELECT version, adapter_path, fused_path, gguf_path,
	benchmark_score, deployed, active, notes, created_at`

func (s *MetricsStore) scanVersion(row *sql.Row) (*models.ModelVersion, error) {
	v := &models.ModelVersion{}
	err := row.Scan(
		&v.Version, &v.AdapterPath, &v.FusedPath, &v.GGUFPath,
		&v.BenchmarkScore, &v.Deployed, &v.Active, &v.Notes, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	return v, nil
}

// ==========================================================================
// Evaluations
// ==========================================================================

// RecordEvaluation stores a scored assessment of a version
func (s *MetricsStore) RecordEvaluation(e *models.Evaluation) error {
	_, err := s.db.Exec(`
		INSERT INTO evaluations (
			version, overall_score, syntax_score, test_pass_score,
			similarity_score, completeness_score, task_count, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Version, e.OverallScore, e.SyntaxScore, e.TestPassScore,
		e.SimilarityScore, e.CompletenessScore, e.TaskCount, e.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to record evaluation for %s: %w", e.Version, err)
	}
	return nil
}

// GetLatestEvaluation returns the most-recently-inserted evaluation for a
// version, or nil when the version has never been evaluated.
func (s *MetricsStore) GetLatestEvaluation(version string) (*models.Evaluation, error) {
	e := &models.Evaluation{}
	err := s.db.QueryRow(`
		SELECT id, version, overall_score, syntax_score, test_pass_score,
		       similarity_score, completeness_score, task_count, details, created_at
		FROM evaluations WHERE version = ?
		ORDER BY id DESC LIMIT 1`, version,
	).Scan(
		&e.ID, &e.Version, &e.OverallScore, &e.SyntaxScore, &e.TestPassScore,
		&e.SimilarityScore, &e.CompletenessScore, &e.TaskCount, &e.Details, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest evaluation for %s: %w", version, err)
	}
	return e, nil
}

// ==========================================================================
// Aggregates
// ==========================================================================

// GetForgeStats builds the aggregate snapshot used for status reporting
func (s *MetricsStore) GetForgeStats() (*models.ForgeStats, error) {
	stats := &models.ForgeStats{TaskTypeCounts: map[string]int{}}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN used_in_training = 0 THEN 1 ELSE 0 END), 0)
		FROM training_pairs`,
	).Scan(&stats.TotalPairs, &stats.UnusedPairs)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate pairs: %w", err)
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM training_runs`,
	).Scan(&stats.TotalRuns, &stats.CompletedRuns, &stats.FailedRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM model_versions").Scan(&stats.TotalVersions); err != nil {
		return nil, fmt.Errorf("failed to count versions: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT task_type, COUNT(*) FROM training_pairs
		WHERE task_type != '' GROUP BY task_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to build task-type histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskType string
		var count int
		if err := rows.Scan(&taskType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan histogram row: %w", err)
		}
		stats.TaskTypeCounts[taskType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate histogram: %w", err)
	}

	active, err := s.GetActiveVersion()
	if err != nil {
		return nil, err
	}
	stats.ActiveVersion = active

	return stats, nil
}

// LastSuccessfulRunTime returns when the most recent completed run
// finished; zero time when there has never been one. The trainer uses it
// to restore the cooldown clock across restarts.
func (s *MetricsStore) LastSuccessfulRunTime() (time.Time, error) {
	var completedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT completed_at FROM training_runs
		WHERE status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`,
	).Scan(&completedAt)
	if err == sql.ErrNoRows || !completedAt.Valid {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last successful run: %w", err)
	}
	return completedAt.Time, nil
}
