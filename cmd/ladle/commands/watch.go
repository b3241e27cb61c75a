package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openladle/openladle/pkg/recipe"
)

func newWatchCommand() *cobra.Command {
	var scriptsDir string

	cmd := &cobra.Command{
		Use:   "watch <recipe-file>",
		Short: "Revalidate a recipe whenever it changes",
		Long: `Watch a recipe file and revalidate it on every change, printing the
findings each time. Useful while authoring a recipe: keep this running
in a terminal and save the file to see fresh diagnostics.`,
		Example: `  ladle watch deploy.yaml --scripts ./steps`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			res, err := newResolver(scriptsDir, logger)
			if err != nil {
				return err
			}

			watcher := recipe.NewWatcher(args[0], resolveProbe(res), logger.Zerolog())
			err = watcher.Watch(cmd.Context(), func(spec *recipe.RecipeSpec, msgs []recipe.ValidationMessage, err error) {
				if err != nil {
					fmt.Printf("load failed: %s\n", err)
					return
				}
				printMessages(msgs)
				state := "valid"
				if !spec.IsValid() {
					state = "INVALID"
				}
				fmt.Printf("recipe %q: %s (%d step(s), %d error(s), %d warning(s))\n",
					spec.Metadata.Name, state, len(spec.Steps),
					len(spec.Errors()), len(spec.Warnings()))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&scriptsDir, "scripts", "", "directory containing Starlark step scripts")

	return cmd
}
