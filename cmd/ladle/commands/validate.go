package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openladle/openladle/pkg/recipe"
)

func newValidateCommand() *cobra.Command {
	var scriptsDir string

	cmd := &cobra.Command{
		Use:   "validate <recipe-file>",
		Short: "Validate a recipe without executing it",
		Long: `Load a recipe file and report every validation finding: structural
errors, duplicate names and indexes, unknown dependencies, dependency
cycles and unresolvable step references.

The command exits non-zero when the recipe carries error-severity
findings; warnings and informational messages do not affect the exit
code.`,
		Example: `  # Validate a recipe
  ladle validate deploy.yaml

  # Validate including Starlark script resolution
  ladle validate deploy.yaml --scripts ./steps

  # Machine-readable findings
  ladle validate deploy.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			res, err := newResolver(scriptsDir, logger)
			if err != nil {
				return err
			}

			spec, msgs, err := recipe.ValidateFile(args[0], resolveProbe(res))
			if err != nil {
				return err
			}

			if jsonOutput {
				out := struct {
					Recipe   string                     `json:"recipe"`
					Valid    bool                       `json:"valid"`
					Steps    int                        `json:"steps"`
					Messages []recipe.ValidationMessage `json:"messages"`
				}{spec.Metadata.Name, spec.IsValid(), len(spec.Steps), msgs}
				if err := printJSON(out); err != nil {
					return err
				}
			} else {
				printMessages(msgs)
				fmt.Printf("recipe %q: %d step(s), %d error(s), %d warning(s)\n",
					spec.Metadata.Name, len(spec.Steps), len(spec.Errors()), len(spec.Warnings()))
			}

			if !spec.IsValid() {
				return fmt.Errorf("recipe %q is not valid", spec.Metadata.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scriptsDir, "scripts", "", "directory containing Starlark step scripts")

	return cmd
}
