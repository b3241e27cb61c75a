package runner

import (
	"context"
)

// StepFunc is a resolved, ready-to-call unit of work. It receives the
// attempt-scoped context (carrying the step timeout), the shared
// execution Context and the step's declared args, and returns an optional
// output value recorded in the step result.
type StepFunc func(ctx context.Context, ec *Context, args map[string]any) (any, error)

// StepResolver resolves a step's opaque module/function references to a
// callable. Resolution is an external concern: the engine only depends on
// this interface, never on how callables are discovered or loaded.
type StepResolver interface {
	Resolve(module, function string) (StepFunc, error)
}

// ResolverFunc adapts a plain function to the StepResolver interface.
type ResolverFunc func(module, function string) (StepFunc, error)

// Resolve implements StepResolver.
func (f ResolverFunc) Resolve(module, function string) (StepFunc, error) {
	return f(module, function)
}
