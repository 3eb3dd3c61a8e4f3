package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/pagecheck/internal/scenario"
)

// NewScenariosCommand lists the built-in scenarios or prints one of them.
func NewScenariosCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios [name]",
		Short: "List built-in scenarios, or print one as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				sc, err := scenario.Builtin(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load scenario", err)
				}
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(sc)
			}

			builtins, err := scenario.Builtins()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load scenarios", err)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTEPS\tDESCRIPTION")
			for _, sc := range builtins {
				name := sc.Name
				if name == scenario.Default {
					name += " (default)"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(sc.Steps), strings.TrimSpace(sc.Description))
			}
			return w.Flush()
		},
	}

	return cmd
}

// NewValidateCommand checks scenario files without running them.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Validate scenario files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			failed := 0
			for _, path := range args {
				sc, err := scenario.LoadScenario(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s, %d steps)\n", path, sc.Name, len(sc.Steps))
			}

			if failed > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d of %d scenario files are invalid", failed, len(args))}
			}
			return nil
		},
	}
}
