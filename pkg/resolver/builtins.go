package resolver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openladle/openladle/pkg/runner"
	"github.com/openladle/openladle/pkg/telemetry"
)

// CoreModuleName is the module name the built-in steps register under.
const CoreModuleName = "core"

// RegisterBuiltins registers the built-in "core" module. These steps
// cover the plumbing most recipes need without custom code: logging,
// writing context values, pausing, and deliberate failure for drills.
func RegisterBuiltins(reg *Registry, logger *telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.Nop()
	}
	log := logger.NewComponentLogger("core")

	return reg.RegisterModule(CoreModuleName, map[string]runner.StepFunc{
		"log":   coreLog(log),
		"echo":  coreEcho,
		"set":   coreSet,
		"get":   coreGet,
		"sleep": coreSleep,
		"fail":  coreFail,
		"env":   coreEnv,
	})
}

// coreLog emits the "message" arg at the "level" arg (default info).
func coreLog(log *telemetry.Logger) runner.StepFunc {
	return func(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
		message, _ := args["message"].(string)
		level, _ := args["level"].(string)
		switch level {
		case "debug":
			log.Debug(message)
		case "warn", "warning":
			log.Warn(message)
		case "error":
			log.Error(message)
		default:
			log.Info(message)
		}
		return nil, nil
	}
}

// coreEcho returns its args unchanged as the step output.
func coreEcho(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
	return args, nil
}

// coreSet writes every arg into the execution context.
func coreSet(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
	for key, value := range args {
		ec.Set(key, value, "core.set")
	}
	return nil, nil
}

// coreGet reads the context value named by the "key" arg, returning the
// "default" arg when absent.
func coreGet(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return nil, fmt.Errorf("core.get requires a string \"key\" arg")
	}
	return ec.Get(key, args["default"]), nil
}

// coreSleep pauses for the "duration" arg (Go duration string), honoring
// the attempt context so timeouts and cancellation interrupt it.
func coreSleep(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
	raw, ok := args["duration"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("core.sleep requires a \"duration\" arg like \"500ms\"")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// coreFail always fails with the "message" arg. Useful for exercising
// retry and halt behavior.
func coreFail(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
	message, _ := args["message"].(string)
	if message == "" {
		message = "deliberate failure"
	}
	return nil, fmt.Errorf("%s", message)
}

// coreEnv reads the environment variable named by the "name" arg.
func coreEnv(ctx context.Context, ec *runner.Context, args map[string]any) (any, error) {
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("core.env requires a \"name\" arg")
	}
	value, found := os.LookupEnv(name)
	return map[string]any{"value": value, "found": found}, nil
}
