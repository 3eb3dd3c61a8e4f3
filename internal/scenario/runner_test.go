package scenario

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/pagecheck/internal/browser"
)

const page = "/srv/game/index.html"

func mustBuiltin(t *testing.T, name string) *Scenario {
	t.Helper()
	sc, err := Builtin(name)
	require.NoError(t, err)
	return sc
}

func TestRun_MergeAndRecommendBlind(t *testing.T) {
	d := newFakeDriver()
	w := newMemWriter()

	var progress []int
	r := NewRunner(d, w, Options{
		Page:       page,
		Screenshot: "out/verification.png",
		Progress:   func(done, total int, _ string) { progress = append(progress, done) },
	})

	res, err := r.Run(context.Background(), mustBuiltin(t, "merge-and-recommend"))
	require.NoError(t, err)
	assert.True(t, res.Pass)
	assert.Equal(t, FailureNone, res.FailureKind)

	assert.Equal(t, []string{
		"navigate " + page,
		"settle 1s",
		`click .grid-cell[data-row="0"][data-col="0"]`,
		`click .grid-cell[data-row="1"][data-col="0"]`,
		"settle 500ms",
		"press  ArrowUp",
		"settle 500ms",
		"click #calculate-btn",
		"settle 2s",
		"capture",
	}, d.calls)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, progress)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, "out/verification.png", res.Artifact.Path)
	assert.Equal(t, []byte("png-bytes"), w.files["out/verification.png"])
	assert.Len(t, res.Steps, 10)
	assert.False(t, res.FinishedAt.IsZero())
}

func TestRun_SettingsControls(t *testing.T) {
	d := newFakeDriver()
	w := newMemWriter()

	res, err := NewRunner(d, w, Options{Page: page}).Run(context.Background(), mustBuiltin(t, "settings-controls"))
	require.NoError(t, err)
	assert.True(t, res.Pass)

	assert.Equal(t, []string{
		"navigate " + page,
		"assert #auto-add-tile-checkbox,#merge-limit-input,#ai-auto-play-btn,#ai-interval-input",
		"checked #auto-add-tile-checkbox false",
		"fill #merge-limit-input 1024",
		"click #ai-auto-play-btn",
		"capture",
	}, d.calls)
	assert.Contains(t, w.files, "jules-scratch/verification/verification.png")
}

func TestRun_PollSettle(t *testing.T) {
	d := newFakeDriver()
	r := NewRunner(d, newMemWriter(), Options{Page: page, SettleMode: SettlePoll, StepTimeout: time.Second})

	_, err := r.Run(context.Background(), mustBuiltin(t, "merge-and-recommend"))
	require.NoError(t, err)

	for _, call := range d.calls {
		assert.NotContains(t, call, "settle ", "poll mode must not sleep")
	}
	assert.Contains(t, d.calls, "wait_for "+pageReady+" 1.5s")
	assert.Contains(t, d.calls[1], "wait_for document.querySelectorAll('.grid-cell').length === 16 2s")
}

func TestRun_PollSettleWaitsForNextSelector(t *testing.T) {
	d := newFakeDriver()
	sc := &Scenario{Name: "x", Steps: []Step{
		{Action: ActionSettle, Duration: Duration(200 * time.Millisecond)},
		{Action: ActionClick, Selector: "#calculate-btn"},
	}}

	_, err := NewRunner(d, newMemWriter(), Options{SettleMode: SettlePoll, StepTimeout: time.Second}).Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"wait_visible #calculate-btn 1.2s", "click #calculate-btn"}, d.calls)
}

func TestRun_AssertionFailureAborts(t *testing.T) {
	d := newFakeDriver()
	d.failOn["assert #auto-add-tile-checkbox,#merge-limit-input,#ai-auto-play-btn,#ai-interval-input"] =
		fmt.Errorf("%w: #merge-limit-input is not visible", browser.ErrAssertionFailed)
	w := newMemWriter()

	res, err := NewRunner(d, w, Options{Page: page}).Run(context.Background(), mustBuiltin(t, "settings-controls"))
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrAssertionFailed)

	assert.False(t, res.Pass)
	assert.Equal(t, FailureAssertion, res.FailureKind)
	assert.Len(t, d.calls, 2, "no step may run after a failure")
	require.Len(t, res.Steps, 2)
	assert.NotEmpty(t, res.Steps[1].Error)
	assert.Nil(t, res.Artifact)
	assert.Empty(t, w.files)
}

func TestRun_MissingElementDebugCapture(t *testing.T) {
	d := newFakeDriver()
	d.failOn["click #calculate-btn"] = fmt.Errorf("%w: #calculate-btn", browser.ErrElementNotFound)
	w := newMemWriter()

	res, err := NewRunner(d, w, Options{Page: page, Screenshot: "out/v.png", DebugCapture: true}).
		Run(context.Background(), mustBuiltin(t, "merge-and-recommend"))
	require.Error(t, err)

	assert.Equal(t, FailureElement, res.FailureKind)
	assert.Equal(t, "out/v-failed-step8.png", res.DebugArtifact)
	assert.Contains(t, w.files, "out/v-failed-step8.png")
	assert.NotContains(t, w.files, "out/v.png")
}

func TestRun_NoPage(t *testing.T) {
	d := newFakeDriver()
	sc := &Scenario{Name: "x", Steps: []Step{{Action: ActionNavigate}}}

	res, err := NewRunner(d, newMemWriter(), Options{}).Run(context.Background(), sc)
	assert.ErrorIs(t, err, browser.ErrPageNotFound)
	assert.Equal(t, FailureEnvironment, res.FailureKind)
	assert.Empty(t, d.calls)
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newFakeDriver()
	res, err := NewRunner(d, newMemWriter(), Options{Page: page}).Run(ctx, mustBuiltin(t, "settings-controls"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Pass)
	assert.Empty(t, d.calls)
}

func TestRun_ArtifactWriteFailure(t *testing.T) {
	w := newMemWriter()
	w.err = errors.New("disk full")
	sc := &Scenario{Name: "x", Steps: []Step{{Action: ActionCapture}}}

	res, err := NewRunner(newFakeDriver(), w, Options{}).Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, FailureEnvironment, res.FailureKind)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureNone, Classify(nil))
	assert.Equal(t, FailureEnvironment, Classify(browser.ErrBrowserUnavailable))
	assert.Equal(t, FailureEnvironment, Classify(browser.ErrPageNotFound))
	assert.Equal(t, FailureElement, Classify(fmt.Errorf("x: %w", browser.ErrElementNotInteractable)))
	assert.Equal(t, FailureTimeout, Classify(fmt.Errorf("x: %w", browser.ErrWaitTimeout)))
	assert.Equal(t, FailureTimeout, Classify(context.DeadlineExceeded))
}

func TestParseSettleMode(t *testing.T) {
	m, err := ParseSettleMode("POLL")
	require.NoError(t, err)
	assert.Equal(t, SettlePoll, m)

	m, err = ParseSettleMode("")
	require.NoError(t, err)
	assert.Equal(t, SettleBlind, m)

	_, err = ParseSettleMode("fast")
	assert.Error(t, err)
}

func TestExecuteReleasesOnEveryPath(t *testing.T) {
	sc := &Scenario{Name: "x", Steps: []Step{{Action: ActionClick, Selector: "#missing"}}}

	t.Run("step failure", func(t *testing.T) {
		released := 0
		d := newFakeDriver()
		d.failOn["click #missing"] = browser.ErrElementNotFound
		acquire := func(context.Context) (Driver, func(), error) {
			return d, func() { released++ }, nil
		}

		_, err := Execute(context.Background(), acquire, newMemWriter(), Options{}, sc)
		require.Error(t, err)
		assert.Equal(t, 1, released)
	})

	t.Run("acquire failure", func(t *testing.T) {
		released := 0
		acquire := func(context.Context) (Driver, func(), error) {
			return nil, func() { released++ }, browser.ErrBrowserUnavailable
		}

		res, err := Execute(context.Background(), acquire, newMemWriter(), Options{}, sc)
		assert.ErrorIs(t, err, browser.ErrBrowserUnavailable)
		assert.Equal(t, FailureEnvironment, res.FailureKind)
		assert.Equal(t, 1, released)
	})

	t.Run("success", func(t *testing.T) {
		released := 0
		acquire := func(context.Context) (Driver, func(), error) {
			return newFakeDriver(), func() { released++ }, nil
		}

		res, err := Execute(context.Background(), acquire, newMemWriter(), Options{}, sc)
		require.NoError(t, err)
		assert.True(t, res.Pass)
		assert.Equal(t, 1, released)
	})
}
