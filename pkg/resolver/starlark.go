package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openladle/openladle/pkg/recipe"
	"github.com/openladle/openladle/pkg/runner"
	"github.com/openladle/openladle/pkg/telemetry"
)

// StarlarkResolver resolves steps to functions defined in Starlark
// scripts. A step referencing module "m" and function "f" resolves to
// the global function f in <dir>/m.star. Step functions are called as
// f(args, ctx) where args is the step's declared args and ctx is a
// snapshot of the execution context; the return value becomes the step
// output.
type StarlarkResolver struct {
	dir    string
	logger *telemetry.Logger

	// mu protects the module cache.
	mu    sync.Mutex
	cache map[string]*starlarkModule
}

// starlarkModule is one executed script with its globals, cached until
// the file changes on disk.
type starlarkModule struct {
	globals starlark.StringDict
	modTime time.Time
}

// NewStarlarkResolver creates a resolver loading scripts from dir.
func NewStarlarkResolver(dir string, logger *telemetry.Logger) *StarlarkResolver {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &StarlarkResolver{
		dir:    dir,
		logger: logger.NewComponentLogger("starlark"),
		cache:  make(map[string]*starlarkModule),
	}
}

// Resolve implements runner.StepResolver.
func (r *StarlarkResolver) Resolve(module, function string) (runner.StepFunc, error) {
	globals, err := r.load(module)
	if err != nil {
		return nil, err
	}

	value, ok := globals[function]
	if !ok {
		return nil, recipe.NewResolutionError(
			fmt.Sprintf("script %s.star has no global %q", module, function), nil)
	}
	callable, ok := value.(starlark.Callable)
	if !ok {
		return nil, recipe.NewResolutionError(
			fmt.Sprintf("%s.%s is a %s, not a function", module, function, value.Type()), nil)
	}

	log := r.logger.WithField("script", module+"."+function)
	return func(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
		return r.call(ctx, callable, ec, args, log)
	}, nil
}

// load executes the module's script and caches its globals until the
// file's mtime changes.
func (r *StarlarkResolver) load(module string) (starlark.StringDict, error) {
	path := filepath.Join(r.dir, module+".star")

	info, err := os.Stat(path)
	if err != nil {
		return nil, recipe.NewResolutionError(
			fmt.Sprintf("no script for module %q", module), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[module]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.globals, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, recipe.NewResolutionError(
			fmt.Sprintf("cannot read script for module %q", module), err)
	}

	thread := &starlark.Thread{
		Name: "load:" + module,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.WithField("script", module).Debug(msg)
		},
	}
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, module+".star", src, predeclared)
	if err != nil {
		return nil, recipe.NewResolutionError(
			fmt.Sprintf("script for module %q failed to load", module), err)
	}

	r.cache[module] = &starlarkModule{globals: globals, modTime: info.ModTime()}
	return globals, nil
}

// call invokes one script function. The Starlark thread is cancelled
// when ctx expires so a timed-out attempt actually stops executing.
func (r *StarlarkResolver) call(
	ctx context.Context,
	fn starlark.Callable,
	ec *runner.Context,
	args map[string]any,
	log *telemetry.Logger,
) (any, error) {
	starArgs, err := toStarlark(args)
	if err != nil {
		return nil, fmt.Errorf("cannot convert args: %w", err)
	}
	starCtx, err := toStarlark(ec.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("cannot convert context snapshot: %w", err)
	}

	thread := &starlark.Thread{
		Name: fn.Name(),
		Print: func(_ *starlark.Thread, msg string) {
			log.Info(msg)
		},
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-watchDone:
		}
	}()

	result, err := starlark.Call(thread, fn, starlark.Tuple{starArgs, starCtx}, nil)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("%s", evalErr.Backtrace())
		}
		return nil, err
	}

	output, err := fromStarlark(result)
	if err != nil {
		return nil, fmt.Errorf("cannot convert script result: %w", err)
	}
	return output, nil
}

// toStarlark converts a Go value to its Starlark equivalent.
func toStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.Format(time.RFC3339Nano)), nil
	case []any:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return starlark.NewList(items), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		// Values outside the recipe data model (engine structs in the
		// context snapshot) degrade to their string form.
		return starlark.String(fmt.Sprintf("%v", val)), nil
	}
}

// fromStarlark converts a Starlark value back to plain Go data.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		items := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			converted, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return items, nil
	case starlark.Tuple:
		items := make([]any, len(val))
		for i, item := range val {
			converted, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return items, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			converted, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = converted
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			converted, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
