package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openladle/openladle/pkg/recipe"
)

func newGraphCommand() *cobra.Command {
	var showLevels bool

	cmd := &cobra.Command{
		Use:   "graph <recipe-file>",
		Short: "Export a recipe's dependency graph",
		Long: `Validate a recipe and print its dependency graph in Graphviz DOT
format. With --levels, print the dependency levels instead: each level
lists the steps whose dependencies are all satisfied by earlier levels.`,
		Example: `  # Render the dependency graph
  ladle graph deploy.yaml | dot -Tsvg -o deploy.svg

  # Inspect dependency depth
  ladle graph deploy.yaml --levels`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, msgs, err := recipe.ValidateFile(args[0], nil)
			if err != nil {
				return err
			}
			if !spec.IsValid() {
				printMessages(msgs)
				return recipe.NewInvalidRecipeError(spec.Errors())
			}

			graph, err := recipe.BuildGraph(spec)
			if err != nil {
				return err
			}

			if showLevels {
				for i, level := range graph.Levels() {
					fmt.Printf("level %d: %v\n", i, level)
				}
				return nil
			}

			fmt.Print(graph.ToDOT())
			return nil
		},
	}

	cmd.Flags().BoolVar(&showLevels, "levels", false, "print dependency levels instead of DOT")

	return cmd
}
