// Package resolver provides StepResolver implementations for the
// runner: an in-process registry of Go step functions and a loader for
// Starlark-scripted steps.
package resolver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openladle/openladle/pkg/recipe"
	"github.com/openladle/openladle/pkg/runner"
)

// Registry is a thread-safe, name-based registry of Go step functions,
// keyed by module and function. It implements runner.StepResolver.
type Registry struct {
	// mu protects the modules map.
	mu sync.RWMutex

	// modules maps module name to its function table.
	modules map[string]map[string]runner.StepFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]map[string]runner.StepFunc),
	}
}

// Register adds one function under module.function. Registering the same
// reference twice is an error.
func (r *Registry) Register(module, function string, fn runner.StepFunc) error {
	if module == "" || function == "" {
		return fmt.Errorf("module and function must be non-empty")
	}
	if fn == nil {
		return fmt.Errorf("step function for %s.%s is nil", module, function)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fns, ok := r.modules[module]
	if !ok {
		fns = make(map[string]runner.StepFunc)
		r.modules[module] = fns
	}
	if _, exists := fns[function]; exists {
		return fmt.Errorf("%s.%s already registered", module, function)
	}
	fns[function] = fn
	return nil
}

// RegisterModule adds a whole function table under one module name.
func (r *Registry) RegisterModule(module string, fns map[string]runner.StepFunc) error {
	for name, fn := range fns {
		if err := r.Register(module, name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Resolve implements runner.StepResolver.
func (r *Registry) Resolve(module, function string) (runner.StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fns, ok := r.modules[module]
	if !ok {
		return nil, recipe.NewResolutionError(
			fmt.Sprintf("unknown module %q", module), nil)
	}
	fn, ok := fns[function]
	if !ok {
		return nil, recipe.NewResolutionError(
			fmt.Sprintf("module %q has no function %q", module, function), nil)
	}
	return fn, nil
}

// Modules returns the registered module names, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Functions returns the function names registered under module, sorted.
func (r *Registry) Functions(module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fns, ok := r.modules[module]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain tries each resolver in order and returns the first successful
// resolution. Only resolution errors fall through to the next resolver.
type Chain []runner.StepResolver

// Resolve implements runner.StepResolver.
func (c Chain) Resolve(module, function string) (runner.StepFunc, error) {
	var lastErr error
	for _, res := range c {
		fn, err := res.Resolve(module, function)
		if err == nil {
			return fn, nil
		}
		if !recipe.IsResolution(err) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = recipe.NewResolutionError(
			fmt.Sprintf("no resolver for %s.%s", module, function), nil)
	}
	return nil, lastErr
}
