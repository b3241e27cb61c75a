package recipe

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an engine error for retry and reporting logic.
type ErrorClass string

const (
	// ErrorClassMalformed indicates structurally unusable input. Fatal;
	// no partial result is produced.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassValidation indicates the recipe carries error-severity
	// validation messages and must not be executed.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassResolution indicates a step's callable could not be
	// obtained. Retryable only when explicitly configured.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassExecution indicates the callable returned a failure.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassTimeout indicates an attempt exceeded its bound.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCancelled indicates work was not started because the run
	// was cancelled. Not a failure of the step itself.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInternal indicates an engine bug or invariant violation.
	ErrorClassInternal ErrorClass = "internal"
)

// Error represents a classified engine error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the step name the error relates to, if applicable.
	Step string `json:"step,omitempty"`

	// Messages carries validation diagnostics for validation errors.
	Messages []ValidationMessage `json:"messages,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Step != "" {
		msg = fmt.Sprintf("%s (step=%s)", msg, e.Step)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two engine errors match
// when their class and code agree.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithStep adds step context to an error.
func (e *Error) WithStep(name string) *Error {
	e.Step = name
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// NewMalformedInputError creates an error for input that is not usable
// at all (not a mapping, steps not a sequence).
func NewMalformedInputError(message string, err error) *Error {
	return &Error{Class: ErrorClassMalformed, Message: message, Err: err,
		Code: ErrCodeMalformedInput}
}

// NewInvalidRecipeError creates the error raised when execution is
// requested for a recipe carrying error-severity validation messages.
func NewInvalidRecipeError(msgs []ValidationMessage) *Error {
	return &Error{
		Class:    ErrorClassValidation,
		Message:  fmt.Sprintf("recipe is not valid: %d validation error(s)", len(msgs)),
		Code:     ErrCodeInvalidRecipe,
		Messages: msgs,
	}
}

// NewResolutionError creates an error for a failed callable lookup.
func NewResolutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassResolution, Message: message, Err: err,
		Code: ErrCodeResolutionFailed}
}

// NewExecutionError creates an error wrapping a callable failure.
func NewExecutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassExecution, Message: message, Err: err,
		Code: ErrCodeExecutionFailed}
}

// NewTimeoutError creates an error for an attempt that exceeded its bound.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Class: ErrorClassTimeout, Message: message, Err: err,
		Code: ErrCodeTimeout}
}

// NewCancelledError creates an error for work skipped due to cancellation.
func NewCancelledError(message string) *Error {
	return &Error{Class: ErrorClassCancelled, Message: message,
		Code: ErrCodeCancelled}
}

// NewInternalError creates an error for engine invariant violations.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err,
		Code: ErrCodeInternal}
}

// IsMalformedInput returns true if the error is a structural input failure.
func IsMalformedInput(err error) bool { return hasClass(err, ErrorClassMalformed) }

// IsInvalidRecipe returns true if the error is a validation precondition
// failure.
func IsInvalidRecipe(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsResolution returns true if the error is a callable lookup failure.
func IsResolution(err error) bool { return hasClass(err, ErrorClassResolution) }

// IsTimeout returns true if the error is an attempt timeout.
func IsTimeout(err error) bool { return hasClass(err, ErrorClassTimeout) }

// IsCancelled returns true if the error reflects cancellation.
func IsCancelled(err error) bool { return hasClass(err, ErrorClassCancelled) }

// IsRetryable returns true if a failed attempt with this error is
// eligible for retry under the step's policy. Resolution failures are
// excluded; retrying them is a separate, explicit option.
func IsRetryable(err error) bool {
	return hasClass(err, ErrorClassExecution) || hasClass(err, ErrorClassTimeout)
}

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeMalformedInput   = "MALFORMED_INPUT"
	ErrCodeInvalidRecipe    = "INVALID_RECIPE"
	ErrCodeResolutionFailed = "RESOLUTION_FAILED"
	ErrCodeExecutionFailed  = "EXECUTION_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
