package recipe

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the status of a step during execution.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started yet.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step exhausted its attempts.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was excluded by filtering or
	// by an earlier failure with continue-on-error disabled.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusTimedOut indicates the step's final attempt exceeded its
	// timeout.
	StepStatusTimedOut StepStatus = "timed_out"

	// StepStatusCancelled indicates the step never started because the
	// run was cancelled.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
// Terminal statuses are never overwritten.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped,
		StepStatusTimedOut, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// IsFailure returns true if the status counts against overall success.
func (s StepStatus) IsFailure() bool {
	return s == StepStatusFailed || s == StepStatusTimedOut
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusSkipped, StepStatusTimedOut,
		StepStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// RunStatus represents the overall status of a recipe execution.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started yet.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every executed step succeeded and no
	// global errors were recorded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one step failed or timed out.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before all
	// steps completed.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
