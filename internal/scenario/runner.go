package scenario

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ahrdadan/pagecheck/internal/artifact"
	"github.com/ahrdadan/pagecheck/internal/browser"
)

// Driver is the set of step primitives a scenario runs against.
// *browser.Session implements it.
type Driver interface {
	Navigate(ctx context.Context, target string) error
	Settle(ctx context.Context, d time.Duration) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	Press(ctx context.Context, selector, key string) error
	AssertVisible(ctx context.Context, selectors ...string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	WaitFor(ctx context.Context, predicate string, timeout time.Duration) error
	Capture(ctx context.Context) ([]byte, error)
}

// ArtifactWriter stores captured screenshots.
type ArtifactWriter interface {
	Write(path string, data []byte) (artifact.Info, error)
}

// SettleMode selects how settle steps wait.
type SettleMode string

const (
	// SettleBlind sleeps for the step's duration.
	SettleBlind SettleMode = "blind"
	// SettlePoll waits for the page to reach the state the next step needs.
	SettlePoll SettleMode = "poll"
)

// ParseSettleMode validates a settle mode name.
func ParseSettleMode(s string) (SettleMode, error) {
	switch SettleMode(strings.ToLower(s)) {
	case SettleBlind, "":
		return SettleBlind, nil
	case SettlePoll:
		return SettlePoll, nil
	}
	return "", fmt.Errorf("unknown settle mode %q (want blind or poll)", s)
}

// ProgressFunc receives the number of finished steps after each step.
type ProgressFunc func(done, total int, message string)

const pageReady = `document.readyState === "complete"`

// Options configures a Runner.
type Options struct {
	// Page is navigated to by navigate steps without a target.
	Page string
	// Screenshot is where capture steps write; artifact.DefaultPath when empty.
	Screenshot string

	SettleMode SettleMode
	// StepTimeout is added to a settle duration to bound a poll-mode settle.
	StepTimeout time.Duration

	// DebugCapture writes a screenshot next to Screenshot when a step fails.
	DebugCapture bool

	Progress ProgressFunc
}

// Runner executes scenarios step by step. The first failing step aborts the run.
type Runner struct {
	driver    Driver
	artifacts ArtifactWriter
	opts      Options
}

// NewRunner creates a runner over driver.
func NewRunner(driver Driver, artifacts ArtifactWriter, opts Options) *Runner {
	if opts.Screenshot == "" {
		opts.Screenshot = artifact.DefaultPath
	}
	if opts.SettleMode == "" {
		opts.SettleMode = SettleBlind
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = browser.DefaultStepTimeout
	}
	return &Runner{driver: driver, artifacts: artifacts, opts: opts}
}

// Run executes sc. The returned Result is never nil; the error is the first
// step failure, if any.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	res := NewResult(sc.Name)
	defer func() { res.FinishedAt = time.Now() }()

	total := len(sc.Steps)
	log.Debugf("Running scenario %s (%d steps, settle=%s)", sc.Name, total, r.opts.SettleMode)

	for i, step := range sc.Steps {
		trace := StepResult{Index: i, Action: step.Action, Subject: r.subject(step)}

		start := time.Now()
		err := ctx.Err()
		if err == nil {
			err = r.exec(ctx, sc.Steps, i, res)
		}
		trace.DurationMS = time.Since(start).Milliseconds()

		if err != nil {
			err = fmt.Errorf("step %d/%d %s %s: %w", i+1, total, step.Action, trace.Subject, err)
			trace.Error = err.Error()
			res.Steps = append(res.Steps, trace)
			res.Fail(err)

			log.Warnf("Scenario %s failed: %v", sc.Name, err)
			if r.opts.DebugCapture {
				r.captureFailure(ctx, i, res)
			}
			return res, err
		}

		res.Steps = append(res.Steps, trace)
		log.Debugf("Step %d/%d %s %s done in %dms", i+1, total, step.Action, trace.Subject, trace.DurationMS)
		if r.opts.Progress != nil {
			r.opts.Progress(i+1, total, fmt.Sprintf("%s %s", step.Action, trace.Subject))
		}
	}

	return res, nil
}

func (r *Runner) subject(step Step) string {
	if step.Action == ActionNavigate && step.Target == "" {
		return r.opts.Page
	}
	return step.Describe()
}

func (r *Runner) exec(ctx context.Context, steps []Step, i int, res *Result) error {
	step := steps[i]

	switch step.Action {
	case ActionNavigate:
		target := step.Target
		if target == "" {
			target = r.opts.Page
		}
		if target == "" {
			return fmt.Errorf("%w: no page configured", browser.ErrPageNotFound)
		}
		return r.driver.Navigate(ctx, target)
	case ActionSettle:
		return r.settle(ctx, steps, i)
	case ActionClick:
		return r.driver.Click(ctx, step.Selector)
	case ActionFill:
		return r.driver.Fill(ctx, step.Selector, step.Value)
	case ActionCheck:
		return r.driver.SetChecked(ctx, step.Selector, true)
	case ActionUncheck:
		return r.driver.SetChecked(ctx, step.Selector, false)
	case ActionPress:
		return r.driver.Press(ctx, step.Selector, step.Key)
	case ActionAssertVisible:
		return r.driver.AssertVisible(ctx, step.selectors()...)
	case ActionWaitVisible:
		return r.driver.WaitVisible(ctx, step.Selector, step.Timeout.Std())
	case ActionWaitFor:
		return r.driver.WaitFor(ctx, step.Predicate, step.Timeout.Std())
	case ActionCapture:
		data, err := r.driver.Capture(ctx)
		if err != nil {
			return err
		}
		info, err := r.artifacts.Write(r.opts.Screenshot, data)
		if err != nil {
			return err
		}
		res.Artifact = &info
		return nil
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

// settle waits after a step. In poll mode it waits for the step's until
// condition, else for the next step's element, else for the document to load.
func (r *Runner) settle(ctx context.Context, steps []Step, i int) error {
	step := steps[i]
	if r.opts.SettleMode != SettlePoll {
		return r.driver.Settle(ctx, step.Duration.Std())
	}

	bound := step.Duration.Std() + r.opts.StepTimeout
	if step.Until != "" {
		return r.driver.WaitFor(ctx, step.Until, bound)
	}
	if i+1 < len(steps) {
		if sel := steps[i+1].waitSelector(); sel != "" {
			return r.driver.WaitVisible(ctx, sel, bound)
		}
	}
	return r.driver.WaitFor(ctx, pageReady, bound)
}

// waitSelector is the element a step needs before it can run.
func (s Step) waitSelector() string {
	switch s.Action {
	case ActionClick, ActionFill, ActionCheck, ActionUncheck, ActionWaitVisible:
		return s.Selector
	case ActionPress:
		if s.Selector != "body" {
			return s.Selector
		}
	case ActionAssertVisible:
		if sels := s.selectors(); len(sels) > 0 {
			return sels[0]
		}
	}
	return ""
}

func (r *Runner) captureFailure(ctx context.Context, i int, res *Result) {
	data, err := r.driver.Capture(ctx)
	if err != nil {
		log.Debugf("Failed to capture debug screenshot: %v", err)
		return
	}
	path := artifact.DebugPath(r.opts.Screenshot, i+1)
	if _, err := r.artifacts.Write(path, data); err != nil {
		log.Debugf("Failed to save debug screenshot: %v", err)
		return
	}
	res.DebugArtifact = path
	log.Printf("Debug screenshot saved to %s", path)
}

// Acquirer opens a Driver for one run and returns the function that releases it.
type Acquirer func(ctx context.Context) (Driver, func(), error)

// BrowserAcquirer acquires a fresh browser session per run.
func BrowserAcquirer(opts browser.Options) Acquirer {
	return func(ctx context.Context) (Driver, func(), error) {
		s, err := browser.Acquire(ctx, opts)
		if err != nil {
			return nil, func() {}, err
		}
		return s, s.Release, nil
	}
}

// Execute acquires a driver, runs sc and releases the driver on every path.
func Execute(ctx context.Context, acquire Acquirer, artifacts ArtifactWriter, opts Options, sc *Scenario) (*Result, error) {
	driver, release, err := acquire(ctx)
	if release != nil {
		defer release()
	}
	if err != nil {
		res := NewResult(sc.Name)
		res.Fail(err)
		res.FinishedAt = time.Now()
		return res, err
	}

	return NewRunner(driver, artifacts, opts).Run(ctx, sc)
}
