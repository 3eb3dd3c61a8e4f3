package scenario

import (
	"context"
	"errors"
	"time"

	"github.com/ahrdadan/pagecheck/internal/artifact"
	"github.com/ahrdadan/pagecheck/internal/browser"
)

// FailureKind groups run failures by what went wrong.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureEnvironment FailureKind = "environment"
	FailureElement     FailureKind = "element"
	FailureAssertion   FailureKind = "assertion"
	FailureTimeout     FailureKind = "timeout"
)

// Classify maps an error returned by a Driver to a FailureKind.
// Anything unrecognised is treated as an environment failure.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, browser.ErrAssertionFailed):
		return FailureAssertion
	case errors.Is(err, browser.ErrElementNotFound), errors.Is(err, browser.ErrElementNotInteractable):
		return FailureElement
	case errors.Is(err, browser.ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureEnvironment
	}
}

// StepResult is the trace entry of one executed step.
type StepResult struct {
	Index      int    `json:"index"`
	Action     Action `json:"action"`
	Subject    string `json:"subject,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string `json:"scenario"`
	Pass     bool   `json:"pass"`

	// Steps lists every step that was started, in order.
	Steps []StepResult `json:"steps"`

	Artifact      *artifact.Info `json:"artifact,omitempty"`
	DebugArtifact string         `json:"debug_artifact,omitempty"`

	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Error       string      `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewResult creates a passing result for scenario.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario:  scenario,
		Pass:      true,
		Steps:     []StepResult{},
		StartedAt: time.Now(),
	}
}

// Fail marks the result as failed with err.
func (r *Result) Fail(err error) {
	r.Pass = false
	r.FailureKind = Classify(err)
	r.Error = err.Error()
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
