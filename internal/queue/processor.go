package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ahrdadan/pagecheck/internal/browser"
	"github.com/ahrdadan/pagecheck/internal/scenario"
)

// ErrInvalidRun marks requests that can never succeed, such as an unknown scenario.
var ErrInvalidRun = errors.New("invalid run")

// ScreenshotName is the file name of a run's screenshot inside its artifact dir.
const ScreenshotName = "verification.png"

// ProcessorConfig holds the defaults a run request may override.
type ProcessorConfig struct {
	ArtifactDir string
	// PageRoot confines requested pages and navigate targets; empty allows any.
	PageRoot string
	Browser  browser.Options
	Runner   scenario.Options
}

// RunProcessor executes verification runs, one browser session per run.
type RunProcessor struct {
	cfg       ProcessorConfig
	acquirer  func(browser.Options) scenario.Acquirer
	artifacts scenario.ArtifactWriter
}

// NewRunProcessor creates a processor that launches real browser sessions.
func NewRunProcessor(cfg ProcessorConfig, artifacts scenario.ArtifactWriter) *RunProcessor {
	return &RunProcessor{
		cfg:       cfg,
		acquirer:  scenario.BrowserAcquirer,
		artifacts: artifacts,
	}
}

// ScreenshotPath returns where the screenshot of run jobID is stored.
func ScreenshotPath(artifactDir, jobID string) string {
	return filepath.Join(artifactDir, jobID, ScreenshotName)
}

// ResolveScenario returns the scenario a request names.
func ResolveScenario(req RunRequest) (*scenario.Scenario, error) {
	if req.Definition != "" {
		sc, err := scenario.Parse([]byte(req.Definition))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
		}
		return sc, nil
	}

	name := req.Scenario
	if name == "" {
		name = scenario.Default
	}
	sc, err := scenario.Builtin(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	return sc, nil
}

// Process runs job's scenario and reports step progress.
func (p *RunProcessor) Process(ctx context.Context, job *Job, progress ProgressCallback) (*scenario.Result, error) {
	req := job.Request

	sc, err := ResolveScenario(req)
	if err != nil {
		return nil, err
	}
	if p.cfg.PageRoot != "" {
		if err := ConfineRequest(p.cfg.PageRoot, &req, sc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
		}
	}

	opts := p.cfg.Runner
	opts.Screenshot = ScreenshotPath(p.cfg.ArtifactDir, job.ID)
	if req.Page != "" {
		opts.Page = req.Page
	}
	if req.SettleMode != "" {
		mode, err := scenario.ParseSettleMode(req.SettleMode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
		}
		opts.SettleMode = mode
	}
	opts.Progress = scenario.ProgressFunc(progress)

	bopts := p.cfg.Browser
	if req.Headless != nil {
		bopts.Headless = *req.Headless
	}
	if req.FullPage {
		bopts.FullPage = true
	}

	log.Printf("Run %s: scenario %s on %s (attempt %d)", job.ID, sc.Name, opts.Page, job.RetryCount+1)
	return scenario.Execute(ctx, p.acquirer(bopts), p.artifacts, opts, sc)
}

// retryable reports whether another attempt could change the outcome.
// Invalid requests and deterministic page failures are final.
func retryable(res *scenario.Result, err error) bool {
	if errors.Is(err, ErrInvalidRun) || errors.Is(err, context.Canceled) {
		return false
	}
	if res == nil {
		return true
	}
	switch res.FailureKind {
	case scenario.FailureAssertion, scenario.FailureElement:
		return false
	}
	return true
}
