package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openladle/openladle/pkg/runner"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when no run exists for the requested ID.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements Store on a local SQLite database. It also
// satisfies runner.RunSink, so it can be handed to the runner directly.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs schema migrations from the embedded sources.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveRun persists a finished execution report: one runs row with the
// full JSON report plus one run_steps row per step, in a transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, result *runner.RecipeExecutionResult) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}

	report, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	summary := result.Summary()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, recipe_name, status, started_at, completed_at,
			duration_ms, succeeded, failed, skipped, cancelled, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID,
		result.RecipeName,
		string(result.Status()),
		result.StartTime,
		result.EndTime,
		result.ExecutionTime().Milliseconds(),
		summary.Succeeded,
		summary.Failed,
		summary.Skipped,
		summary.Cancelled,
		string(report),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i := range result.StepResults {
		step := &result.StepResults[i]

		var startedAt, completedAt *time.Time
		if !step.StartTime.IsZero() {
			startedAt = &step.StartTime
		}
		if !step.EndTime.IsZero() {
			completedAt = &step.EndTime
		}

		var errMsg *string
		if step.Error != "" {
			errMsg = &step.Error
		}

		var output *string
		if step.Output != nil {
			blob, err := json.Marshal(step.Output)
			if err != nil {
				return fmt.Errorf("failed to marshal output for step %s: %w", step.StepName, err)
			}
			text := string(blob)
			output = &text
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_steps (run_id, position, step_name, status,
				attempts, started_at, completed_at, error, output)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			result.RunID,
			i,
			step.StepName,
			string(step.Status),
			step.Attempts,
			startedAt,
			completedAt,
			errMsg,
			output,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", step.StepName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run row by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, recipe_name, status, started_at, completed_at,
			duration_ms, succeeded, failed, skipped, cancelled, report, created_at
		FROM runs WHERE id = ?
	`, id).Scan(
		&run.ID, &run.RecipeName, &run.Status, &run.StartedAt, &run.CompletedAt,
		&run.DurationMS, &run.Succeeded, &run.Failed, &run.Skipped, &run.Cancelled,
		&run.Report, &run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetReport reconstructs the full execution report for a run.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*runner.RecipeExecutionResult, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &runner.RecipeExecutionResult{}
	if err := json.Unmarshal([]byte(run.Report), result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report for run %s: %w", id, err)
	}
	return result, nil
}

// ListRuns returns run rows ordered newest-first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipe_name, status, started_at, completed_at,
			duration_ms, succeeded, failed, skipped, cancelled, report, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID, &run.RecipeName, &run.Status, &run.StartedAt, &run.CompletedAt,
			&run.DurationMS, &run.Succeeded, &run.Failed, &run.Skipped, &run.Cancelled,
			&run.Report, &run.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListSteps returns the step records for a run in execution order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, position, step_name, status, attempts,
			started_at, completed_at, error, output
		FROM run_steps
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*StepRecord{}
	for rows.Next() {
		step := &StepRecord{}
		err := rows.Scan(
			&step.ID, &step.RunID, &step.Position, &step.StepName, &step.Status,
			&step.Attempts, &step.StartedAt, &step.CompletedAt, &step.Error, &step.Output,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// PruneRuns deletes all but the newest keep runs. Step rows cascade.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
