package runner

import (
	"time"

	"github.com/openladle/openladle/pkg/recipe"
)

// StepExecutionResult records the outcome of one step.
type StepExecutionResult struct {
	// StepName is the name of the step.
	StepName string `json:"step_name"`

	// Status is the step's terminal status (or pending/running while the
	// run is in flight).
	Status recipe.StepStatus `json:"status"`

	// Attempts is the number of callable invocations made. Never exceeds
	// the step's effective max attempts.
	Attempts int `json:"attempts"`

	// StartTime is when the first attempt started. Zero for steps that
	// never started.
	StartTime time.Time `json:"start_time,omitzero"`

	// EndTime is when the step reached a terminal status.
	EndTime time.Time `json:"end_time,omitzero"`

	// Error is the final error string for failed steps.
	Error string `json:"error,omitempty"`

	// Output is the value returned by the callable, if any.
	Output any `json:"output,omitempty"`
}

// Duration returns the wall time spent on the step, zero if it never
// started.
func (r *StepExecutionResult) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// RunSummary provides counts over a run's step results.
type RunSummary struct {
	// Total is the total number of steps in the plan.
	Total int `json:"total"`

	// Succeeded is the number of steps that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of steps that failed or timed out.
	Failed int `json:"failed"`

	// Skipped is the number of steps excluded by filtering or halted by
	// an earlier failure.
	Skipped int `json:"skipped"`

	// Cancelled is the number of steps that never started because the
	// run was cancelled.
	Cancelled int `json:"cancelled"`
}

// RecipeExecutionResult is the full, serializable report of one recipe
// execution. It is produced even when the run fails; callers wanting
// machine-readable failure detail should inspect StepResults rather than
// rely on returned errors.
type RecipeExecutionResult struct {
	// RunID uniquely identifies this execution.
	RunID string `json:"run_id"`

	// RecipeName is the name of the executed recipe.
	RecipeName string `json:"recipe_name"`

	// StepResults are the per-step outcomes in execution order.
	StepResults []StepExecutionResult `json:"step_results"`

	// GlobalErrors are run-level error strings (step failures recorded
	// under continue-on-error, halts, cancellation).
	GlobalErrors []string `json:"global_errors,omitempty"`

	// GlobalWarnings are run-level warning strings.
	GlobalWarnings []string `json:"global_warnings,omitempty"`

	// StartTime is when the run started.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the run finished.
	EndTime time.Time `json:"end_time,omitzero"`
}

// ExecutionTime returns the total wall time of the run.
func (r *RecipeExecutionResult) ExecutionTime() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Summary computes step counts for the run.
func (r *RecipeExecutionResult) Summary() RunSummary {
	s := RunSummary{Total: len(r.StepResults)}
	for i := range r.StepResults {
		switch r.StepResults[i].Status {
		case recipe.StepStatusSucceeded:
			s.Succeeded++
		case recipe.StepStatusFailed, recipe.StepStatusTimedOut:
			s.Failed++
		case recipe.StepStatusSkipped:
			s.Skipped++
		case recipe.StepStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// SuccessRate returns succeeded / (succeeded + failed), or 1 when no
// step reached either state.
func (r *RecipeExecutionResult) SuccessRate() float64 {
	s := r.Summary()
	attempted := s.Succeeded + s.Failed
	if attempted == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(attempted)
}

// OverallSuccess reports whether the run succeeded: no failed, timed-out
// or cancelled step and no global errors.
func (r *RecipeExecutionResult) OverallSuccess() bool {
	return r.Status() == recipe.RunStatusSucceeded
}

// Status derives the run-level status from the step results.
func (r *RecipeExecutionResult) Status() recipe.RunStatus {
	cancelled := false
	for i := range r.StepResults {
		switch {
		case r.StepResults[i].Status.IsFailure():
			return recipe.RunStatusFailed
		case r.StepResults[i].Status == recipe.StepStatusCancelled:
			cancelled = true
		}
	}
	if len(r.GlobalErrors) > 0 {
		return recipe.RunStatusFailed
	}
	if cancelled {
		return recipe.RunStatusCancelled
	}
	return recipe.RunStatusSucceeded
}

// StepResult returns the result for the named step, if present.
func (r *RecipeExecutionResult) StepResult(name string) (*StepExecutionResult, bool) {
	for i := range r.StepResults {
		if r.StepResults[i].StepName == name {
			return &r.StepResults[i], true
		}
	}
	return nil, false
}
