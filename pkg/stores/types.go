// Package stores provides persistent storage for recipe execution
// history. The SQLite store retains finished run reports beyond process
// lifetime, complementing the runner's bounded in-memory log.
package stores

import (
	"context"
	"time"

	"github.com/openladle/openladle/pkg/runner"
)

// Run is one persisted recipe execution.
type Run struct {
	// ID is the run's unique identifier.
	ID string `json:"id"`

	// RecipeName is the recipe that was executed.
	RecipeName string `json:"recipe_name"`

	// Status is the run's terminal status.
	Status string `json:"status"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`

	// DurationMS is the total execution time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Succeeded, Failed, Skipped and Cancelled are the step counts by
	// terminal status. Failed includes timed-out steps.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`

	// Report is the full execution report as a JSON blob.
	Report string `json:"report"`

	// CreatedAt is when the row was written.
	CreatedAt time.Time `json:"created_at"`
}

// StepRecord is one persisted step outcome.
type StepRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`

	// Position is the step's order within the run.
	Position int `json:"position"`

	StepName string `json:"step_name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is the final failure message, if any.
	Error *string `json:"error,omitempty"`

	// Output is the step output as a JSON blob, if any.
	Output *string `json:"output,omitempty"`
}

// Store persists and queries execution history.
type Store interface {
	// Init opens the underlying database.
	Init(ctx context.Context) error

	// Migrate applies schema migrations.
	Migrate(ctx context.Context) error

	// Close releases the database.
	Close() error

	// SaveRun persists a finished execution report.
	SaveRun(ctx context.Context, result *runner.RecipeExecutionResult) error

	// GetRun retrieves one run row by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetReport reconstructs the full execution report for a run.
	GetReport(ctx context.Context, id string) (*runner.RecipeExecutionResult, error)

	// ListRuns returns run rows ordered newest-first.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// ListSteps returns the step records for a run in execution order.
	ListSteps(ctx context.Context, runID string) ([]*StepRecord, error)

	// PruneRuns deletes all but the newest keep runs, returning the
	// number removed.
	PruneRuns(ctx context.Context, keep int) (int64, error)
}
