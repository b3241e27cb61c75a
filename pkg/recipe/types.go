// Package recipe defines the data model and validation pipeline for
// OpenLadle recipes. A recipe is a named, versioned collection of steps,
// each bound to a resolvable callable with its own retry and timeout
// policy. The validator turns a raw parsed mapping into a RecipeSpec plus
// a list of validation messages; the dependency graph is checked for
// dangling references and cycles as a safety net, while execution order is
// defined solely by each step's index.
package recipe

import (
	"time"
)

// Severity classifies a validation message.
type Severity string

const (
	// SeverityInfo is an informational message.
	SeverityInfo Severity = "info"

	// SeverityWarning indicates a suspicious but executable recipe.
	SeverityWarning Severity = "warning"

	// SeverityError indicates the recipe is not eligible for execution.
	SeverityError Severity = "error"
)

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return nil
	default:
		return NewMalformedInputError("invalid severity: "+string(s), nil)
	}
}

// ValidationMessage is a structured diagnostic produced while checking a
// recipe before execution.
type ValidationMessage struct {
	// Severity is the message severity.
	Severity Severity `json:"severity"`

	// Location names the step the message refers to, or "recipe" for
	// recipe-level problems.
	Location string `json:"location"`

	// Message is the human-readable diagnostic text.
	Message string `json:"message"`
}

// String renders the message in "SEVERITY [location]: text" form.
func (m ValidationMessage) String() string {
	return string(m.Severity) + " [" + m.Location + "]: " + m.Message
}

// RetryPolicy controls how a step is retried after a failed attempt.
// The delay is constant between attempts, not exponential.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be at least 1.
	MaxAttempts int `json:"max_attempts"`

	// Delay is the constant pause between attempts.
	Delay time.Duration `json:"delay"`
}

// DefaultRetryPolicy returns the policy applied when a step declares none:
// a single attempt with no delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Delay: 0}
}

// StepSpec is one validated unit of work in a recipe. It is immutable
// once produced by the validator.
type StepSpec struct {
	// Name is the unique, non-empty step name.
	Name string `json:"name"`

	// Idx defines the execution order. Unique across the recipe.
	Idx int `json:"idx"`

	// Module is the opaque module reference resolved by a StepResolver.
	Module string `json:"module"`

	// Function is the opaque function reference within Module.
	Function string `json:"function"`

	// Args are arbitrary parameters passed to the resolved callable.
	Args map[string]any `json:"args,omitempty"`

	// DependsOn lists names of steps that must exist in the same recipe.
	// Dependencies are validated (no dangling targets, no cycles) but do
	// not reorder execution.
	DependsOn []string `json:"depends_on,omitempty"`

	// Retry is the step's declared retry policy. A zero MaxAttempts
	// means the step declared none and the run-wide default applies.
	Retry RetryPolicy `json:"retry"`

	// Timeout bounds a single attempt. Zero means the run-wide default
	// applies.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Metadata describes the recipe itself.
type Metadata struct {
	// Name is the recipe name.
	Name string `json:"name"`

	// Version is the declared recipe version, if any.
	Version string `json:"version,omitempty"`

	// Description is the declared description, if any.
	Description string `json:"description,omitempty"`

	// Source is the path the recipe was loaded from, if known.
	Source string `json:"source,omitempty"`

	// SourceHash is the SHA-256 hex digest of the raw recipe content,
	// if the recipe was loaded from a file.
	SourceHash string `json:"source_hash,omitempty"`
}

// RecipeSpec is a validated recipe: metadata, steps sorted ascending by
// idx, and the messages produced during validation.
type RecipeSpec struct {
	// Metadata describes the recipe.
	Metadata Metadata `json:"metadata"`

	// Steps are the validated steps in execution order (ascending idx).
	Steps []StepSpec `json:"steps"`

	// Messages are the validation diagnostics, in the order produced.
	Messages []ValidationMessage `json:"validation_messages,omitempty"`
}

// IsValid reports whether the recipe is eligible for execution. A recipe
// with any error-severity message must not be executed.
func (r *RecipeSpec) IsValid() bool {
	for _, m := range r.Messages {
		if m.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns the error-severity validation messages.
func (r *RecipeSpec) Errors() []ValidationMessage {
	return r.filterMessages(SeverityError)
}

// Warnings returns the warning-severity validation messages.
func (r *RecipeSpec) Warnings() []ValidationMessage {
	return r.filterMessages(SeverityWarning)
}

func (r *RecipeSpec) filterMessages(sev Severity) []ValidationMessage {
	var out []ValidationMessage
	for _, m := range r.Messages {
		if m.Severity == sev {
			out = append(out, m)
		}
	}
	return out
}

// Step returns the step with the given name, if present.
func (r *RecipeSpec) Step(name string) (*StepSpec, bool) {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i], true
		}
	}
	return nil, false
}

// StepNames returns the step names in execution order.
func (r *RecipeSpec) StepNames() []string {
	names := make([]string, len(r.Steps))
	for i := range r.Steps {
		names[i] = r.Steps[i].Name
	}
	return names
}
