// Package cli implements the pagecheck command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrdadan/pagecheck/internal/config"
)

// NewRootCommand creates the root command. cfg should already hold the
// environment overrides so that flags bound here take precedence over them.
func NewRootCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagecheck",
		Short: "Pagecheck - scripted browser verification of a local page",
		Long: `Pagecheck drives a headless Chromium through a scripted scenario against a
page, asserts what must be visible and saves a screenshot as evidence.

It runs one verification from the command line or serves a queue of runs
over HTTP.`,
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
				return WrapExitError(ExitCommandError, "invalid logging configuration", err)
			}
			return nil
		},
	}
	cmd.SetVersionTemplate(config.AppName + " v{{.Version}}\n")

	cfg.BindLogFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewRunCommand(cfg))
	cmd.AddCommand(NewServeCommand(cfg))
	cmd.AddCommand(NewScenariosCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand prints the version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", config.AppName, config.Version)
		},
	}
}
