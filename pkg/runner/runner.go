// Package runner executes validated recipes against a shared execution
// Context, honoring per-step retry, timeout and cancellation policies,
// and produces a structured, serializable execution report.
//
// The runner is a sequential coordinator: steps start in ascending idx
// order and a step's retries fully resolve before the next step starts.
// Step bodies run on a worker goroutine solely so a timeout can be
// enforced without the callable's cooperation. Cancellation is
// cooperative: it gates future steps and retries but never preempts an
// in-flight attempt.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openladle/openladle/pkg/recipe"
	"github.com/openladle/openladle/pkg/telemetry"
)

// Context keys owned by the engine.
const (
	ContextKeyRecipeName    = "ladle.recipe.name"
	ContextKeyRecipeSource  = "ladle.recipe.source"
	ContextKeyRecipeVersion = "ladle.recipe.version"
	ContextKeyRunID         = "ladle.run.id"
	ContextKeyRunStartedAt  = "ladle.run.started_at"
	ContextKeyRunFinishedAt = "ladle.run.finished_at"
	ContextKeyRunStatus     = "ladle.run.status"
	ContextKeyRunSummary    = "ladle.run.summary"
)

// contextWho attributes engine-owned context writes.
const contextWho = "runner"

// StepContextKey returns the context key under which the engine records
// a field of a step's outcome, e.g. StepContextKey("fetch", "status").
func StepContextKey(step, field string) string {
	return "steps." + step + "." + field
}

// RunSink receives finished execution results for persistence. Failures
// are logged, never propagated into the run outcome.
type RunSink interface {
	SaveRun(ctx context.Context, result *RecipeExecutionResult) error
}

// Config configures a Runner.
type Config struct {
	// DefaultTimeout bounds a single attempt when neither the step nor
	// the execution options declare a timeout. Zero means unbounded.
	DefaultTimeout time.Duration

	// HistoryLimit bounds the in-memory execution log. Zero means
	// DefaultHistoryLimit.
	HistoryLimit int

	// Logger is the structured logger. Nil means no logging.
	Logger *telemetry.Logger

	// Metrics is the optional metrics collector.
	Metrics *telemetry.Metrics

	// Events is the optional lifecycle event publisher.
	Events *telemetry.EventPublisher

	// Sink optionally persists finished results.
	Sink RunSink
}

// Runner executes validated recipes. Runs on the same Runner are
// serialized; Cancel is safe to call from any goroutine and affects the
// in-flight run.
type Runner struct {
	resolver StepResolver
	cfg      Config
	logger   *telemetry.Logger
	history  *historyLog

	// runMu serializes Run invocations.
	runMu sync.Mutex

	// mu guards the cancellation state below.
	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}
}

// NewRunner creates a runner that resolves callables through resolver.
func NewRunner(resolver StepResolver, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Runner{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.NewComponentLogger("runner"),
		history:  newHistoryLog(cfg.HistoryLimit),
	}
}

// Cancel requests cooperative cancellation of the in-flight run. It only
// sets a flag: an attempt already running completes or times out on its
// own, but no further steps or retries start. Safe to call from any
// goroutine, and a no-op when nothing is running.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	if r.cancelCh != nil {
		close(r.cancelCh)
	}
}

// Stats aggregates the runner's retained execution history.
func (r *Runner) Stats() Statistics {
	return r.history.stats()
}

// History returns up to limit past results, most recent first. A
// non-positive limit returns everything retained.
func (r *Runner) History(limit int) []*RecipeExecutionResult {
	return r.history.recent(limit)
}

// Run executes a validated recipe against ec and returns the execution
// report. It fails without starting when the options are invalid or the
// spec carries error-severity validation messages; per-step failures are
// captured in the report and never surface as a returned error.
func (r *Runner) Run(ctx context.Context, spec *recipe.RecipeSpec, ec *Context, opts ExecutionOptions) (*RecipeExecutionResult, error) {
	if spec == nil {
		return nil, recipe.NewInternalError("spec is nil", nil)
	}
	if r.resolver == nil {
		return nil, recipe.NewInternalError("runner has no step resolver", nil)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !spec.IsValid() {
		return nil, recipe.NewInvalidRecipeError(spec.Errors())
	}
	if ec == nil {
		ec = NewContext()
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	cancelCh := r.resetCancellation()

	result := &RecipeExecutionResult{
		RunID:       uuid.New().String(),
		RecipeName:  spec.Metadata.Name,
		StepResults: make([]StepExecutionResult, len(spec.Steps)),
		StartTime:   time.Now(),
	}
	for i := range spec.Steps {
		result.StepResults[i] = StepExecutionResult{
			StepName: spec.Steps[i].Name,
			Status:   recipe.StepStatusPending,
		}
	}

	log := r.logger.WithRunID(result.RunID).WithRecipe(spec.Metadata.Name)
	log.Infof("starting recipe with %d steps", len(spec.Steps))

	r.seedContext(ec, spec, result)
	r.cfg.Metrics.RunStarted()
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		RunID:   result.RunID,
		Recipe:  spec.Metadata.Name,
		Message: fmt.Sprintf("recipe %s started", spec.Metadata.Name),
		Level:   telemetry.EventLevelInfo,
	})

	for i := range spec.Steps {
		step := &spec.Steps[i]
		res := &result.StepResults[i]

		if r.isCancelled(ctx, cancelCh) {
			r.markRemaining(result, i, recipe.StepStatusCancelled)
			result.GlobalWarnings = append(result.GlobalWarnings,
				fmt.Sprintf("run cancelled before step %q started", step.Name))
			log.Warn("run cancelled; remaining steps will not start")
			break
		}

		if opts.shouldSkip(step.Name) {
			res.Status = recipe.StepStatusSkipped
			r.recordStepContext(ec, step.Name, res)
			r.publishStep(telemetry.EventTypeStepSkipped, result, step.Name,
				"step skipped by filter", telemetry.EventLevelInfo)
			log.WithStep(step.Name).Debug("step skipped by filter")
			continue
		}

		r.executeStep(ctx, cancelCh, step, ec, opts, res, result, log.WithStep(step.Name))
		r.recordStepContext(ec, step.Name, res)
		r.cfg.Metrics.StepExecuted(string(res.Status), res.Duration())

		if res.Status.IsFailure() {
			result.GlobalErrors = append(result.GlobalErrors,
				fmt.Sprintf("step %q failed after %d attempt(s): %s", step.Name, res.Attempts, res.Error))
			if !opts.ContinueOnError {
				r.markRemaining(result, i+1, recipe.StepStatusSkipped)
				log.Warn("halting run: continue-on-error is disabled")
				break
			}
		}
	}

	result.EndTime = time.Now()
	r.finalizeContext(ec, result)
	r.history.append(result)

	status := result.Status()
	r.cfg.Metrics.RunCompleted(string(status), result.ExecutionTime())
	r.publishRunCompleted(result, status)

	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.SaveRun(ctx, result); err != nil {
			log.WithError(err).Error("failed to persist run result")
		}
	}

	summary := result.Summary()
	log.Infof("recipe finished: status=%s succeeded=%d failed=%d skipped=%d cancelled=%d in %s",
		status, summary.Succeeded, summary.Failed, summary.Skipped, summary.Cancelled,
		result.ExecutionTime())

	return result, nil
}

// resetCancellation clears any stale cancel request and installs a fresh
// channel for the run about to start.
func (r *Runner) resetCancellation() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = false
	r.cancelCh = make(chan struct{})
	return r.cancelCh
}

func (r *Runner) isCancelled(ctx context.Context, cancelCh chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-cancelCh:
		return true
	default:
		return false
	}
}

// executeStep drives one step through its attempt loop, mutating res to
// its terminal state. Failures never propagate past the step boundary.
func (r *Runner) executeStep(
	ctx context.Context,
	cancelCh chan struct{},
	step *recipe.StepSpec,
	ec *Context,
	opts ExecutionOptions,
	res *StepExecutionResult,
	result *RecipeExecutionResult,
	log *telemetry.Logger,
) {
	maxAttempts, delay, timeout := r.effectivePolicy(step, opts)

	res.Status = recipe.StepStatusRunning
	res.StartTime = time.Now()
	r.publishStep(telemetry.EventTypeStepStarted, result, step.Name,
		fmt.Sprintf("step %s started", step.Name), telemetry.EventLevelInfo)
	log.Debugf("executing %s.%s (max_attempts=%d timeout=%s)",
		step.Module, step.Function, maxAttempts, timeout)

	var fn StepFunc
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		lastErr = nil

		if fn == nil {
			resolved, err := r.resolver.Resolve(step.Module, step.Function)
			if err != nil {
				lastErr = recipe.NewResolutionError(
					fmt.Sprintf("cannot resolve %s.%s", step.Module, step.Function), err).
					WithStep(step.Name)
			} else {
				fn = resolved
			}
		}

		if lastErr == nil {
			if opts.DryRun {
				res.Status = recipe.StepStatusSucceeded
				res.Output = map[string]any{"dry_run": true}
				res.EndTime = time.Now()
				log.Info("dry-run: step resolved, not invoked")
				return
			}

			output, err := r.invoke(ctx, fn, ec, step, timeout)
			if err == nil {
				res.Status = recipe.StepStatusSucceeded
				res.Output = output
				res.EndTime = time.Now()
				r.publishStep(telemetry.EventTypeStepCompleted, result, step.Name,
					fmt.Sprintf("step %s succeeded after %d attempt(s)", step.Name, attempt),
					telemetry.EventLevelInfo)
				log.Debugf("step succeeded on attempt %d", attempt)
				return
			}
			lastErr = err
		}

		r.observeAttemptError(lastErr)
		log.WithError(lastErr).Warnf("attempt %d/%d failed", attempt, maxAttempts)

		if recipe.IsCancelled(lastErr) {
			break
		}
		if recipe.IsResolution(lastErr) && !opts.RetryResolution {
			break
		}
		if attempt == maxAttempts {
			break
		}

		r.cfg.Metrics.StepRetried()
		r.publishStep(telemetry.EventTypeStepRetrying, result, step.Name,
			fmt.Sprintf("retrying step %s (attempt %d/%d)", step.Name, attempt+1, maxAttempts),
			telemetry.EventLevelWarning)

		if !r.sleep(ctx, cancelCh, delay) {
			log.Warn("cancelled during retry backoff")
			break
		}
		if opts.RetryResolution {
			fn = nil
		}
	}

	res.EndTime = time.Now()
	res.Error = lastErr.Error()
	switch {
	case recipe.IsCancelled(lastErr):
		res.Status = recipe.StepStatusCancelled
	case recipe.IsTimeout(lastErr):
		res.Status = recipe.StepStatusTimedOut
	default:
		res.Status = recipe.StepStatusFailed
	}

	r.publishStep(telemetry.EventTypeStepFailed, result, step.Name,
		fmt.Sprintf("step %s ended %s: %s", step.Name, res.Status, res.Error),
		telemetry.EventLevelError)
}

// invoke runs one attempt on a worker goroutine so the timeout holds even
// for callables that ignore their context. On timeout the worker is left
// to finish on its own; its result is discarded.
func (r *Runner) invoke(
	ctx context.Context,
	fn StepFunc,
	ec *Context,
	step *recipe.StepSpec,
	timeout time.Duration,
) (any, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: recipe.NewExecutionError(
					fmt.Sprintf("step panicked: %v", p), nil).WithStep(step.Name)}
			}
		}()
		output, err := fn(attemptCtx, ec, step.Args)
		if err != nil {
			err = recipe.NewExecutionError("step returned an error", err).WithStep(step.Name)
		}
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		// A callable that honors its context surfaces the deadline as its
		// own error; classify it the same as an unresponsive callable.
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, recipe.NewTimeoutError(
				fmt.Sprintf("attempt exceeded timeout of %s", timeout), o.err).
				WithStep(step.Name)
		}
		return o.output, o.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, recipe.NewTimeoutError(
				fmt.Sprintf("attempt exceeded timeout of %s", timeout), attemptCtx.Err()).
				WithStep(step.Name)
		}
		return nil, recipe.NewCancelledError("attempt interrupted by run cancellation").
			WithStep(step.Name)
	}
}

// sleep pauses for the retry delay, returning false if the run was
// cancelled while waiting.
func (r *Runner) sleep(ctx context.Context, cancelCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return !r.isCancelled(ctx, cancelCh)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-cancelCh:
		return false
	}
}

// effectivePolicy merges the step's declared policy with the run-wide
// defaults. The delay is constant between attempts, not exponential.
func (r *Runner) effectivePolicy(step *recipe.StepSpec, opts ExecutionOptions) (int, time.Duration, time.Duration) {
	maxAttempts := step.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1 + opts.MaxRetries
	}
	delay := step.Retry.Delay
	if delay <= 0 {
		delay = opts.RetryDelay
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	return maxAttempts, delay, timeout
}

// markRemaining moves every non-terminal step from index from onward to
// the given status.
func (r *Runner) markRemaining(result *RecipeExecutionResult, from int, status recipe.StepStatus) {
	for i := from; i < len(result.StepResults); i++ {
		if !result.StepResults[i].Status.IsTerminal() {
			result.StepResults[i].Status = status
		}
	}
}

// seedContext writes recipe metadata before the first step runs.
func (r *Runner) seedContext(ec *Context, spec *recipe.RecipeSpec, result *RecipeExecutionResult) {
	ec.Set(ContextKeyRecipeName, spec.Metadata.Name, contextWho)
	if spec.Metadata.Source != "" {
		ec.Set(ContextKeyRecipeSource, spec.Metadata.Source, contextWho)
	}
	if spec.Metadata.Version != "" {
		ec.Set(ContextKeyRecipeVersion, spec.Metadata.Version, contextWho)
	}
	ec.Set(ContextKeyRunID, result.RunID, contextWho)
	ec.Set(ContextKeyRunStartedAt, result.StartTime, contextWho)
}

// recordStepContext writes a step's outcome back into the context so
// later steps can read earlier results.
func (r *Runner) recordStepContext(ec *Context, step string, res *StepExecutionResult) {
	ec.Set(StepContextKey(step, "status"), string(res.Status), contextWho)
	ec.Set(StepContextKey(step, "attempts"), res.Attempts, contextWho)
	if res.Output != nil {
		ec.Set(StepContextKey(step, "output"), res.Output, contextWho)
	}
	if res.Error != "" {
		ec.Set(StepContextKey(step, "error"), res.Error, contextWho)
	}
}

// finalizeContext writes the execution summary after the last step.
func (r *Runner) finalizeContext(ec *Context, result *RecipeExecutionResult) {
	ec.Set(ContextKeyRunFinishedAt, result.EndTime, contextWho)
	ec.Set(ContextKeyRunStatus, string(result.Status()), contextWho)
	ec.Set(ContextKeyRunSummary, result.Summary(), contextWho)
}

func (r *Runner) publish(event telemetry.Event) {
	r.cfg.Events.Publish(event)
}

func (r *Runner) publishStep(eventType string, result *RecipeExecutionResult, step, message, level string) {
	r.publish(telemetry.Event{
		Type:    eventType,
		RunID:   result.RunID,
		Recipe:  result.RecipeName,
		Step:    step,
		Message: message,
		Level:   level,
	})
}

func (r *Runner) publishRunCompleted(result *RecipeExecutionResult, status recipe.RunStatus) {
	eventType := telemetry.EventTypeRunCompleted
	level := telemetry.EventLevelInfo
	switch status {
	case recipe.RunStatusFailed:
		eventType = telemetry.EventTypeRunFailed
		level = telemetry.EventLevelError
	case recipe.RunStatusCancelled:
		eventType = telemetry.EventTypeRunCancelled
		level = telemetry.EventLevelWarning
	}
	r.publish(telemetry.Event{
		Type:    eventType,
		RunID:   result.RunID,
		Recipe:  result.RecipeName,
		Message: fmt.Sprintf("recipe %s ended with status %s", result.RecipeName, status),
		Level:   level,
	})
}

// observeAttemptError feeds the error classification metric.
func (r *Runner) observeAttemptError(err error) {
	switch {
	case recipe.IsTimeout(err):
		r.cfg.Metrics.ErrorObserved(string(recipe.ErrorClassTimeout))
	case recipe.IsResolution(err):
		r.cfg.Metrics.ErrorObserved(string(recipe.ErrorClassResolution))
	case recipe.IsCancelled(err):
		r.cfg.Metrics.ErrorObserved(string(recipe.ErrorClassCancelled))
	default:
		r.cfg.Metrics.ErrorObserved(string(recipe.ErrorClassExecution))
	}
}
