package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openladle/openladle/pkg/recipe"
	"github.com/openladle/openladle/pkg/resolver"
	"github.com/openladle/openladle/pkg/runner"
	"github.com/openladle/openladle/pkg/telemetry"
)

// newLogger builds the CLI logger, honoring the global --verbose flag.
func newLogger() *telemetry.Logger {
	cfg := telemetry.DefaultConfig().Logging
	if verbose {
		cfg.Level = "debug"
	}
	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		return telemetry.Nop()
	}
	return logger
}

// newResolver builds the step resolver: built-in modules, plus Starlark
// scripts when a script directory is given. The registry is consulted
// first so scripts cannot shadow built-ins.
func newResolver(scriptsDir string, logger *telemetry.Logger) (runner.StepResolver, error) {
	reg := resolver.NewRegistry()
	if err := resolver.RegisterBuiltins(reg, logger); err != nil {
		return nil, err
	}
	if scriptsDir == "" {
		return reg, nil
	}
	return resolver.Chain{reg, resolver.NewStarlarkResolver(scriptsDir, logger)}, nil
}

// resolveProbe adapts a resolver into a validation-time probe.
func resolveProbe(res runner.StepResolver) recipe.ResolveProbe {
	return func(module, function string) error {
		_, err := res.Resolve(module, function)
		return err
	}
}

// printMessages writes validation messages to stderr, one per line.
func printMessages(msgs []recipe.ValidationMessage) {
	for _, msg := range msgs {
		fmt.Fprintln(os.Stderr, msg.String())
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
