package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/openladle/openladle/pkg/recipe"
)

// tableResolver resolves callables from a "module.function" keyed map.
func tableResolver(table map[string]StepFunc) StepResolver {
	return ResolverFunc(func(module, function string) (StepFunc, error) {
		fn, ok := table[module+"."+function]
		if !ok {
			return nil, recipe.NewResolutionError(
				fmt.Sprintf("no such callable: %s.%s", module, function), nil)
		}
		return fn, nil
	})
}

// testStep builds a step bound to test.<fn> at the given idx.
func testStep(name string, idx int, fn string) recipe.StepSpec {
	return recipe.StepSpec{Name: name, Idx: idx, Module: "test", Function: fn}
}

func testSpec(steps ...recipe.StepSpec) *recipe.RecipeSpec {
	return &recipe.RecipeSpec{
		Metadata: recipe.Metadata{Name: "test-recipe", Version: "1.0.0"},
		Steps:    steps,
	}
}

func okStep(ctx context.Context, ec *Context, args map[string]any) (any, error) {
	return "ok", nil
}

func failStep(ctx context.Context, ec *Context, args map[string]any) (any, error) {
	return nil, fmt.Errorf("boom")
}

func TestRunner_Run_Success(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.ok": okStep,
	}), Config{})

	ec := NewContext()
	spec := testSpec(testStep("a", 1, "ok"), testStep("b", 2, "ok"))

	result, err := r.Run(context.Background(), spec, ec, ExecutionOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.OverallSuccess() {
		t.Errorf("Expected overall success, got status %s", result.Status())
	}
	if result.RunID == "" {
		t.Error("Expected a run ID")
	}
	if result.EndTime.IsZero() {
		t.Error("Expected EndTime to be set")
	}
	for _, name := range []string{"a", "b"} {
		res, ok := result.StepResult(name)
		if !ok {
			t.Fatalf("Missing result for step %s", name)
		}
		if res.Status != recipe.StepStatusSucceeded {
			t.Errorf("Expected %s succeeded, got %s", name, res.Status)
		}
		if res.Attempts != 1 {
			t.Errorf("Expected 1 attempt for %s, got %d", name, res.Attempts)
		}
	}

	if got := ec.Get(ContextKeyRunID, nil); got != result.RunID {
		t.Errorf("Expected run ID in context, got %v", got)
	}
	if got := ec.Get(StepContextKey("a", "status"), nil); got != "succeeded" {
		t.Errorf("Expected recorded step status, got %v", got)
	}
	if got := ec.Get(ContextKeyRunStatus, nil); got != "succeeded" {
		t.Errorf("Expected run status in context, got %v", got)
	}
}

func TestRunner_Run_InvalidRecipeRefused(t *testing.T) {
	r := NewRunner(tableResolver(nil), Config{})

	spec := testSpec(testStep("a", 1, "ok"))
	spec.Messages = []recipe.ValidationMessage{{
		Severity: recipe.SeverityError,
		Location: "recipe",
		Message:  "broken",
	}}

	_, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{})
	if err == nil {
		t.Fatal("Expected error for invalid recipe")
	}
	if !recipe.IsInvalidRecipe(err) {
		t.Errorf("Expected invalid-recipe error, got: %v", err)
	}
}

func TestRunner_Run_HaltOnFailure(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.ok":   okStep,
		"test.fail": failStep,
	}), Config{})

	spec := testSpec(
		testStep("a", 1, "ok"),
		testStep("b", 2, "fail"),
		testStep("c", 3, "ok"),
	)

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	b, _ := result.StepResult("b")
	if b.Status != recipe.StepStatusFailed {
		t.Errorf("Expected b failed, got %s", b.Status)
	}
	c, _ := result.StepResult("c")
	if c.Status != recipe.StepStatusSkipped {
		t.Errorf("Expected c skipped after halt, got %s", c.Status)
	}
	if len(result.GlobalErrors) != 1 {
		t.Errorf("Expected 1 global error, got %v", result.GlobalErrors)
	}
	if result.Status() != recipe.RunStatusFailed {
		t.Errorf("Expected failed run, got %s", result.Status())
	}
}

func TestRunner_Run_ContinueOnError(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.ok":   okStep,
		"test.fail": failStep,
	}), Config{})

	spec := testSpec(
		testStep("a", 1, "fail"),
		testStep("b", 2, "ok"),
	)

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		ContinueOnError: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	b, _ := result.StepResult("b")
	if b.Status != recipe.StepStatusSucceeded {
		t.Errorf("Expected b to run despite a's failure, got %s", b.Status)
	}
	if result.OverallSuccess() {
		t.Error("A failed step must sink overall success even with continue-on-error")
	}
	if len(result.GlobalErrors) != 1 {
		t.Errorf("Expected failure recorded as global error, got %v", result.GlobalErrors)
	}
}

func TestRunner_Run_RetrySucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.flaky": func(ctx context.Context, ec *Context, args map[string]any) (any, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("transient %d", calls)
			}
			return "finally", nil
		},
	}), Config{})

	spec := testSpec(recipe.StepSpec{
		Name: "a", Idx: 1, Module: "test", Function: "flaky",
		Retry: recipe.RetryPolicy{MaxAttempts: 3},
	})

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusSucceeded {
		t.Errorf("Expected success on third attempt, got %s (%s)", a.Status, a.Error)
	}
	if a.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", a.Attempts)
	}
	if a.Output != "finally" {
		t.Errorf("Expected final output recorded, got %v", a.Output)
	}
}

func TestRunner_Run_RetryBudgetNeverExceeded(t *testing.T) {
	calls := 0
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.fail": func(ctx context.Context, ec *Context, args map[string]any) (any, error) {
			calls++
			return nil, fmt.Errorf("always")
		},
	}), Config{})

	spec := testSpec(recipe.StepSpec{
		Name: "a", Idx: 1, Module: "test", Function: "fail",
		Retry: recipe.RetryPolicy{MaxAttempts: 2},
	})

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusFailed {
		t.Errorf("Expected failed, got %s", a.Status)
	}
	if calls != 2 {
		t.Errorf("Expected exactly 2 invocations, got %d", calls)
	}
	if a.Attempts != 2 {
		t.Errorf("Expected 2 attempts recorded, got %d", a.Attempts)
	}
}

func TestRunner_Run_DefaultRetriesFromOptions(t *testing.T) {
	calls := 0
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.fail": func(ctx context.Context, ec *Context, args map[string]any) (any, error) {
			calls++
			return nil, fmt.Errorf("always")
		},
	}), Config{})

	// The step declares no retry policy, so the run-wide budget applies.
	spec := testSpec(testStep("a", 1, "fail"))

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if calls != 3 {
		t.Errorf("Expected 1 + 2 retries = 3 invocations, got %d", calls)
	}
	a, _ := result.StepResult("a")
	if a.Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", a.Attempts)
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.slow": func(ctx context.Context, ec *Context, args map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}), Config{})

	spec := testSpec(recipe.StepSpec{
		Name: "a", Idx: 1, Module: "test", Function: "slow",
		Timeout: 30 * time.Millisecond,
	})

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusTimedOut {
		t.Errorf("Expected timed_out, got %s", a.Status)
	}
	if !a.Status.IsFailure() {
		t.Error("A timed-out step must count as a failure")
	}
	if result.Status() != recipe.RunStatusFailed {
		t.Errorf("Expected failed run, got %s", result.Status())
	}
}

func TestRunner_Run_CancelSkipsRemainingSteps(t *testing.T) {
	var r *Runner
	r = NewRunner(tableResolver(map[string]StepFunc{
		"test.cancel": func(ctx context.Context, ec *Context, args map[string]any) (any, error) {
			r.Cancel()
			return "done anyway", nil
		},
		"test.ok": okStep,
	}), Config{})

	spec := testSpec(
		testStep("a", 1, "cancel"),
		testStep("b", 2, "ok"),
		testStep("c", 3, "ok"),
	)

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The in-flight step completes; cancellation only gates later steps.
	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusSucceeded {
		t.Errorf("Expected in-flight step to finish, got %s", a.Status)
	}
	for _, name := range []string{"b", "c"} {
		res, _ := result.StepResult(name)
		if res.Status != recipe.StepStatusCancelled {
			t.Errorf("Expected %s cancelled, got %s", name, res.Status)
		}
	}
	if result.Status() != recipe.RunStatusCancelled {
		t.Errorf("Expected cancelled run, got %s", result.Status())
	}
	if result.OverallSuccess() {
		t.Error("A cancelled run must not be an overall success")
	}
	if len(result.GlobalWarnings) == 0 {
		t.Error("Expected a cancellation warning")
	}
}

func TestRunner_Run_OnlyAndSkipFilters(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.ok": okStep,
	}), Config{})

	spec := testSpec(
		testStep("a", 1, "ok"),
		testStep("b", 2, "ok"),
		testStep("c", 3, "ok"),
	)

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		Only: []string{"a", "c"},
		Skip: []string{"c"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusSucceeded {
		t.Errorf("Expected a succeeded, got %s", a.Status)
	}
	b, _ := result.StepResult("b")
	if b.Status != recipe.StepStatusSkipped {
		t.Errorf("Expected b skipped by only-filter, got %s", b.Status)
	}
	c, _ := result.StepResult("c")
	if c.Status != recipe.StepStatusSkipped {
		t.Errorf("Expected skip to win over only, got %s", c.Status)
	}
	if !result.OverallSuccess() {
		t.Error("Skipped steps must not sink overall success")
	}
}

func TestRunner_Run_DryRun(t *testing.T) {
	calls := 0
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.ok": func(ctx context.Context, ec *Context, args map[string]any) (any, error) {
			calls++
			return "ran", nil
		},
	}), Config{})

	spec := testSpec(testStep("a", 1, "ok"), testStep("b", 2, "ok"))

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if calls != 0 {
		t.Errorf("Dry run must not invoke callables, got %d calls", calls)
	}
	if !result.OverallSuccess() {
		t.Errorf("Expected dry run success, got %s", result.Status())
	}
	a, _ := result.StepResult("a")
	output, ok := a.Output.(map[string]any)
	if !ok || output["dry_run"] != true {
		t.Errorf("Expected dry-run marker output, got %v", a.Output)
	}
}

func TestRunner_Run_DryRunStillFailsOnResolution(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{}), Config{})

	spec := testSpec(testStep("a", 1, "ghost"))

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusFailed {
		t.Errorf("Expected unresolvable step to fail in dry run, got %s", a.Status)
	}
}

func TestRunner_Run_ResolutionFailureNotRetriedByDefault(t *testing.T) {
	resolutions := 0
	r := NewRunner(ResolverFunc(func(module, function string) (StepFunc, error) {
		resolutions++
		return nil, recipe.NewResolutionError("nope", nil)
	}), Config{})

	spec := testSpec(testStep("a", 1, "ok"))

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if resolutions != 1 {
		t.Errorf("Expected a single resolution attempt, got %d", resolutions)
	}
	a, _ := result.StepResult("a")
	if a.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", a.Attempts)
	}
	if a.Status != recipe.StepStatusFailed {
		t.Errorf("Expected failed, got %s", a.Status)
	}
}

func TestRunner_Run_ResolutionRetryOptIn(t *testing.T) {
	resolutions := 0
	r := NewRunner(ResolverFunc(func(module, function string) (StepFunc, error) {
		resolutions++
		if resolutions < 2 {
			return nil, recipe.NewResolutionError("not yet", nil)
		}
		return okStep, nil
	}), Config{})

	spec := testSpec(testStep("a", 1, "ok"))

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		MaxRetries:      2,
		RetryResolution: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusSucceeded {
		t.Errorf("Expected success after resolution retry, got %s (%s)", a.Status, a.Error)
	}
	if a.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", a.Attempts)
	}
}

func TestRunner_Run_PanicIsContained(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.panic": func(ctx context.Context, ec *Context, args map[string]any) (any, error) {
			panic("surprise")
		},
		"test.ok": okStep,
	}), Config{})

	spec := testSpec(
		testStep("a", 1, "panic"),
		testStep("b", 2, "ok"),
	)

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{
		ContinueOnError: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a, _ := result.StepResult("a")
	if a.Status != recipe.StepStatusFailed {
		t.Errorf("Expected panicking step to fail, got %s", a.Status)
	}
	b, _ := result.StepResult("b")
	if b.Status != recipe.StepStatusSucceeded {
		t.Errorf("Expected run to survive the panic, got %s", b.Status)
	}
}

func TestRunner_Run_ReportJSONRoundTrip(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.ok":   okStep,
		"test.fail": failStep,
	}), Config{})

	spec := testSpec(
		testStep("a", 1, "ok"),
		testStep("b", 2, "fail"),
	)

	result, err := r.Run(context.Background(), spec, NewContext(), ExecutionOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	restored := &RecipeExecutionResult{}
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if restored.RunID != result.RunID {
		t.Errorf("RunID lost in round trip: %q vs %q", result.RunID, restored.RunID)
	}
	if restored.Status() != result.Status() {
		t.Errorf("Status lost in round trip: %s vs %s", result.Status(), restored.Status())
	}
	if len(restored.StepResults) != len(result.StepResults) {
		t.Fatalf("Step results lost in round trip")
	}
	b, _ := restored.StepResult("b")
	if b.Status != recipe.StepStatusFailed || b.Error == "" {
		t.Errorf("Failure detail lost in round trip: %+v", b)
	}
}

func TestRunner_HistoryAndStats(t *testing.T) {
	r := NewRunner(tableResolver(map[string]StepFunc{
		"test.ok":   okStep,
		"test.fail": failStep,
	}), Config{HistoryLimit: 10})

	okSpec := testSpec(testStep("a", 1, "ok"))
	failSpec := testSpec(testStep("a", 1, "fail"))

	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background(), okSpec, NewContext(), ExecutionOptions{}); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}
	if _, err := r.Run(context.Background(), failSpec, NewContext(), ExecutionOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	history := r.History(0)
	if len(history) != 3 {
		t.Fatalf("Expected 3 retained runs, got %d", len(history))
	}
	if history[0].Status() != recipe.RunStatusFailed {
		t.Errorf("Expected most recent run first, got %s", history[0].Status())
	}

	stats := r.Stats()
	if stats.TotalRuns != 3 || stats.SucceededRuns != 2 || stats.FailedRuns != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.TotalSteps != 3 {
		t.Errorf("Expected 3 steps counted, got %d", stats.TotalSteps)
	}
	if stats.LastRunAt.IsZero() {
		t.Error("Expected LastRunAt to be set")
	}
}

func TestRunner_Run_InvalidOptions(t *testing.T) {
	r := NewRunner(tableResolver(nil), Config{})

	_, err := r.Run(context.Background(), testSpec(), NewContext(), ExecutionOptions{
		MaxRetries: -1,
	})
	if err == nil {
		t.Fatal("Expected error for negative retry budget")
	}
}
