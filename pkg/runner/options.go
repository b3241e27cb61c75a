package runner

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate checks option structs before a run starts.
var optionsValidator = validator.New()

// ExecutionOptions controls one Run invocation.
type ExecutionOptions struct {
	// Only restricts execution to the named steps; every other step is
	// skipped. Empty means all steps execute.
	Only []string `json:"only,omitempty"`

	// Skip names steps to skip even when listed in Only.
	Skip []string `json:"skip,omitempty"`

	// ContinueOnError keeps the run going past a step that exhausted its
	// attempts. The failure is still recorded as a global error and the
	// run can never be an overall success.
	ContinueOnError bool `json:"continue_on_error"`

	// DryRun resolves callables but does not invoke them; steps report
	// success with a dry-run marker output.
	DryRun bool `json:"dry_run"`

	// DefaultTimeout bounds a single attempt for steps that declare no
	// timeout. Zero falls back to the runner's default.
	DefaultTimeout time.Duration `json:"default_timeout" validate:"gte=0"`

	// MaxRetries is the number of extra attempts granted to steps that
	// declare no retry policy.
	MaxRetries int `json:"max_retries" validate:"gte=0"`

	// RetryDelay is the constant pause between attempts for steps that
	// declare no retry delay.
	RetryDelay time.Duration `json:"retry_delay" validate:"gte=0"`

	// RetryResolution makes callable resolution failures eligible for
	// retry under the step's policy. By default a resolution failure
	// fails the step immediately.
	RetryResolution bool `json:"retry_resolution"`
}

// Validate checks the options for internal consistency.
func (o *ExecutionOptions) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("invalid execution options: %w", err)
	}
	return nil
}

// shouldSkip applies the Only/Skip filters to a step name. Skip wins
// over Only.
func (o *ExecutionOptions) shouldSkip(name string) bool {
	for _, s := range o.Skip {
		if s == name {
			return true
		}
	}
	if len(o.Only) == 0 {
		return false
	}
	for _, s := range o.Only {
		if s == name {
			return false
		}
	}
	return true
}
