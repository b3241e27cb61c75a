package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openladle/openladle/pkg/recipe"
	"github.com/openladle/openladle/pkg/runner"
	"github.com/openladle/openladle/pkg/stores"
	"github.com/openladle/openladle/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		only            []string
		skip            []string
		continueOnError bool
		dryRun          bool
		stepTimeout     time.Duration
		maxRetries      int
		retryDelay      time.Duration
		retryResolution bool
		scriptsDir      string
		historyDB       string
	)

	cmd := &cobra.Command{
		Use:   "run <recipe-file>",
		Short: "Execute a recipe",
		Long: `Validate and execute a recipe. Steps run one at a time in declared
order; a failing step consumes its retry budget before the run halts
(or continues, with --continue-on-error). The full execution report is
printed when --json is set.

The command exits non-zero unless every non-skipped step succeeded.`,
		Example: `  # Run a recipe
  ladle run deploy.yaml

  # Run only two steps, with a global retry budget
  ladle run deploy.yaml --only fetch --only install --max-retries 2

  # Keep going past failures and record the run
  ladle run deploy.yaml --continue-on-error --history-db ladle.db

  # Resolve everything without executing
  ladle run deploy.yaml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()

			res, err := newResolver(scriptsDir, logger)
			if err != nil {
				return err
			}

			spec, msgs, err := recipe.ValidateFile(args[0], resolveProbe(res))
			if err != nil {
				return err
			}
			if !spec.IsValid() {
				printMessages(msgs)
				return recipe.NewInvalidRecipeError(spec.Errors())
			}
			if verbose {
				printMessages(msgs)
			}

			events, err := telemetry.NewEventPublisher(telemetry.DefaultConfig().Events)
			if err != nil {
				return err
			}
			defer events.Close()
			eventLog := logger.NewComponentLogger("events")
			events.Subscribe(func(event telemetry.Event) {
				eventLog.WithField("type", event.Type).Debug(event.Message)
			}, nil)

			var sink runner.RunSink
			if historyDB != "" {
				store, err := stores.NewSQLiteStore(stores.Config{Path: historyDB})
				if err != nil {
					return err
				}
				if err := store.Init(ctx); err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				if err := store.Migrate(ctx); err != nil {
					return err
				}
				sink = store
			}

			r := runner.NewRunner(res, runner.Config{
				Logger: logger,
				Events: events,
				Sink:   sink,
			})

			result, err := r.Run(ctx, spec, runner.NewContext(), runner.ExecutionOptions{
				Only:            only,
				Skip:            skip,
				ContinueOnError: continueOnError,
				DryRun:          dryRun,
				DefaultTimeout:  stepTimeout,
				MaxRetries:      maxRetries,
				RetryDelay:      retryDelay,
				RetryResolution: retryResolution,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printResult(result)
			}

			if !result.OverallSuccess() {
				return fmt.Errorf("recipe %q finished with status %s",
					result.RecipeName, result.Status())
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "execute only these steps (repeatable)")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "skip these steps (repeatable, wins over --only)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep executing after a step fails")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve every step but execute nothing")
	cmd.Flags().DurationVar(&stepTimeout, "step-timeout", 0, "default per-attempt timeout (0 = unbounded)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "default retries per step beyond the first attempt")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", 0, "default delay between attempts")
	cmd.Flags().BoolVar(&retryResolution, "retry-resolution", false, "retry failed callable resolution")
	cmd.Flags().StringVar(&scriptsDir, "scripts", "", "directory containing Starlark step scripts")
	cmd.Flags().StringVar(&historyDB, "history-db", "", "SQLite database recording run history")

	return cmd
}

// printResult writes the human-readable run report.
func printResult(result *runner.RecipeExecutionResult) {
	for i := range result.StepResults {
		step := &result.StepResults[i]
		line := fmt.Sprintf("  %-10s %s", step.Status, step.StepName)
		if step.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", step.Attempts)
		}
		if step.Error != "" {
			line += fmt.Sprintf(" - %s", step.Error)
		}
		fmt.Println(line)
	}

	summary := result.Summary()
	fmt.Printf("run %s: %s - %d succeeded, %d failed, %d skipped, %d cancelled in %s\n",
		result.RunID, result.Status(),
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Cancelled,
		result.ExecutionTime().Round(time.Millisecond))
	for _, msg := range result.GlobalErrors {
		fmt.Printf("error: %s\n", msg)
	}
	for _, msg := range result.GlobalWarnings {
		fmt.Printf("warning: %s\n", msg)
	}
}
