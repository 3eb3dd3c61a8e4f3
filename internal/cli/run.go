package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ahrdadan/pagecheck/internal/artifact"
	"github.com/ahrdadan/pagecheck/internal/browser"
	"github.com/ahrdadan/pagecheck/internal/config"
	"github.com/ahrdadan/pagecheck/internal/scenario"
)

// RunOptions holds the inputs of one verification run.
type RunOptions struct {
	Config *config.Config
	JSON   bool

	// Acquire overrides how the browser session is obtained (for testing).
	// If nil, a Chromium executable is resolved and launched.
	Acquire scenario.Acquirer
	// Artifacts overrides the screenshot writer (for testing).
	Artifacts scenario.ArtifactWriter
}

// NewRunCommand creates the run command.
func NewRunCommand(cfg *config.Config) *cobra.Command {
	opts := &RunOptions{Config: cfg}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one verification scenario and save a screenshot",
		Long: `Run one verification scenario against a page and save a screenshot.

The browser session is always released, whether the run passes or not.

Example:
  pagecheck run
  pagecheck run --page ./index.html --settle-mode poll
  pagecheck run --scenario-file ./checks/settings.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHarness(ctx, opts, cmd.OutOrStdout())
		},
	}

	cfg.BindHarnessFlags(cmd.Flags())
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the run result as JSON")

	return cmd
}

func runHarness(ctx context.Context, opts *RunOptions, out io.Writer) error {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	sc, err := scenario.Resolve(cfg.Scenario, cfg.ScenarioFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	acquire := opts.Acquire
	if acquire == nil {
		bin := ""
		if cfg.RemoteURL == "" {
			bin, err = browser.ResolveChrome(ctx, cfg.InstallOptions())
			if err != nil {
				return WrapExitError(ExitCommandError, "no browser available", err)
			}
		}
		acquire = scenario.BrowserAcquirer(cfg.BrowserOptions(bin))
	}

	artifacts := opts.Artifacts
	if artifacts == nil {
		artifacts = artifact.NewWriter()
	}

	runOpts := cfg.RunnerOptions()
	runOpts.Progress = func(done, total int, message string) {
		log.Debugf("[%d/%d] %s", done, total, message)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	log.Infof("Running scenario %s against %s", sc.Name, runOpts.Page)
	res, runErr := scenario.Execute(ctx, acquire, artifacts, runOpts, sc)

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return WrapExitError(ExitCommandError, "failed to encode result", err)
		}
	}

	if runErr != nil {
		if res != nil && res.DebugArtifact != "" {
			log.Warnf("Failure screenshot saved to %s", res.DebugArtifact)
		}
		code := ExitFailure
		if res != nil && res.FailureKind == scenario.FailureEnvironment {
			code = ExitCommandError
		}
		return WrapExitError(code, "verification failed", runErr)
	}

	if !opts.JSON && res.Artifact != nil {
		fmt.Fprintf(out, "Screenshot saved to %s\n", res.Artifact.Path)
	}
	log.Infof("Scenario %s passed in %v", sc.Name, res.Duration())
	return nil
}
