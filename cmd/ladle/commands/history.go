package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openladle/openladle/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
		runID  string
		prune  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect persisted run history",
		Long: `List runs recorded in a history database, show the full report of a
single run, or prune old runs.`,
		Example: `  # List the most recent runs
  ladle history --db ladle.db

  # Show one run's full report
  ladle history --db ladle.db --run 3f6c... --json

  # Keep only the newest 100 runs
  ladle history --db ladle.db --prune 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
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

			if prune > 0 {
				deleted, err := store.PruneRuns(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d run(s), kept newest %d\n", deleted, prune)
				return nil
			}

			if runID != "" {
				return showRun(cmd, store, runID)
			}

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, run := range runs {
				fmt.Printf("%s  %-9s  %-20s  %d ok / %d failed / %d skipped  %s\n",
					run.StartedAt.Format(time.RFC3339), run.Status, run.RecipeName,
					run.Succeeded, run.Failed, run.Skipped, run.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "ladle.db", "history database path")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the full report for one run ID")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N runs")

	return cmd
}

func showRun(cmd *cobra.Command, store *stores.SQLiteStore, runID string) error {
	ctx := cmd.Context()

	if jsonOutput {
		report, err := store.GetReport(ctx, runID)
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: recipe %q, status %s, started %s, took %dms\n",
		run.ID, run.RecipeName, run.Status,
		run.StartedAt.Format(time.RFC3339), run.DurationMS)
	for _, step := range steps {
		line := fmt.Sprintf("  %-10s %s (%d attempts)", step.Status, step.StepName, step.Attempts)
		if step.Error != nil {
			line += " - " + *step.Error
		}
		fmt.Println(line)
	}
	return nil
}
