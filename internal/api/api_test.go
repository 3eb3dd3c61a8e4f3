package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/pagecheck/internal/artifact"
	"github.com/ahrdadan/pagecheck/internal/queue"
	"github.com/ahrdadan/pagecheck/internal/scenario"
)

type fakeQueue struct {
	mu       sync.Mutex
	jobs     map[string]*queue.Job
	enqueued int
	hub      *queue.EventHub
	open     int // subscriptions not yet released

	// Hooks around registering a subscription, to order events against it.
	beforeSubscribe func(jobID string)
	afterSubscribe  func(jobID string)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*queue.Job), hub: queue.NewEventHub()}
}

func (q *fakeQueue) EnqueueWithIdempotency(job *queue.Job) (*queue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.IdempotencyKey != "" {
		for _, j := range q.jobs {
			if j.IdempotencyKey == job.IdempotencyKey {
				return j, true, nil
			}
		}
	}
	q.jobs[job.ID] = job
	q.enqueued++
	return job, false, nil
}

func (q *fakeQueue) GetJob(jobID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return job, nil
}

func (q *fakeQueue) CancelJob(jobID string) (*queue.Job, error) {
	job, err := q.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", queue.ErrNotCancelable, job.Status)
	}
	job.SetStatus(queue.JobStatusCanceled)
	return job, nil
}

func (q *fakeQueue) ListJobs() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*queue.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (q *fakeQueue) Subscribe(jobID string) <-chan queue.Event {
	if q.beforeSubscribe != nil {
		q.beforeSubscribe(jobID)
	}
	ch := q.hub.Subscribe(jobID)
	q.mu.Lock()
	q.open++
	q.mu.Unlock()
	if q.afterSubscribe != nil {
		q.afterSubscribe(jobID)
	}
	return ch
}

func (q *fakeQueue) Unsubscribe(jobID string, ch <-chan queue.Event) {
	q.mu.Lock()
	q.open--
	q.mu.Unlock()
	q.hub.Unsubscribe(jobID, ch)
}

// finish moves a run to status and emits it, as the worker does.
func (q *fakeQueue) finish(jobID string, status queue.JobStatus) {
	q.mu.Lock()
	q.jobs[jobID].SetStatus(status)
	q.mu.Unlock()
	q.hub.Emit(jobID, queue.Event{JobID: jobID, Status: status, Progress: 100})
}

func (q *fakeQueue) add(job *queue.Job) *queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = job
	return job
}

func newTestApp(t *testing.T, q RunQueue) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	cfg := DefaultRouteConfig()
	cfg.Version = "test"
	stop := SetupRoutes(app, q, cfg)
	t.Cleanup(stop)
	return app
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func do(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, envelope) {
	t.Helper()

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func postRun(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/pagecheck/runs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthCheck(t *testing.T) {
	app := newTestApp(t, newFakeQueue())

	resp, env := do(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"version":"test"`)
}

func TestListScenarios(t *testing.T) {
	app := newTestApp(t, newFakeQueue())

	resp, env := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/scenarios", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []ScenarioInfo
	require.NoError(t, json.Unmarshal(env.Data, &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "merge-and-recommend", infos[0].Name)
	assert.True(t, infos[0].Default)
	assert.Equal(t, "navigate", infos[0].Steps[0])
	assert.Equal(t, "settings-controls", infos[1].Name)
	assert.False(t, infos[1].Default)
}

func TestCreateRun(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)

	resp, env := do(t, app, postRun(`{"scenario":"settings-controls","settle_mode":"poll","timeout":9999,"priority":42}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created queue.JobCreatedResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.True(t, strings.HasPrefix(created.JobID, "run_"))
	assert.Equal(t, queue.JobStatusQueued, created.Status)
	assert.Equal(t, "http://localhost:8000/pagecheck/runs/"+created.JobID+"/screenshot", created.ScreenshotURL)
	assert.Equal(t, "ws://localhost:8000/pagecheck/ws?run_id="+created.JobID, created.Events.WSURL)

	job, err := q.GetJob(created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 300, job.Timeout, "timeout is clamped to the maximum")
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, "settings-controls", job.Request.Scenario)
}

func TestCreateRunEmptyBodyUsesDefaults(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)

	req := httptest.NewRequest(http.MethodPost, "/pagecheck/runs", nil)
	resp, _ := do(t, app, req)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, q.enqueued)
}

func TestCreateRunRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown scenario", `{"scenario":"nope"}`},
		{"bad definition", `{"definition":"name: x\nsteps: []"}`},
		{"bad settle mode", `{"settle_mode":"fast"}`},
		{"bad webhook", `{"notify":{"webhook_url":"ftp://example.com"}}`},
		{"malformed json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			app := newTestApp(t, q)

			resp, env := do(t, app, postRun(tt.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
			assert.Zero(t, q.enqueued)
		})
	}
}

func TestCreateRunConfinesPages(t *testing.T) {
	root := t.TempDir()
	q := newFakeQueue()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	cfg := DefaultRouteConfig()
	cfg.PageRoot = root
	t.Cleanup(SetupRoutes(app, q, cfg))

	for _, body := range []string{
		`{"page":"file:///etc/passwd"}`,
		`{"page":"../index.html"}`,
		`{"page":"http://169.254.169.254/"}`,
		`{"definition":"name: inline\nsteps:\n  - action: navigate\n    target: /etc/hosts\n  - action: capture\n"}`,
	} {
		resp, env := do(t, app, postRun(body))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Contains(t, env.Error, "page outside page root", body)
	}
	assert.Zero(t, q.enqueued)

	resp, env := do(t, app, postRun(`{"page":"games/index.html"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created queue.JobCreatedResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	job, err := q.GetJob(created.JobID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "games", "index.html"), job.Request.Page)
}

func TestListRuns(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)

	resp, env := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(env.Data))

	queued := q.add(queue.NewJob(queue.RunRequest{}))
	done := q.add(queue.NewJob(queue.RunRequest{}))
	done.SetResult(scenario.NewResult("merge-and-recommend"))

	_, env = do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs", nil))
	var all []queue.JobStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Len(t, all, 2)

	_, env = do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs?status=queued", nil))
	var filtered []queue.JobStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, queued.ID, filtered[0].JobID)
}

func TestCreateRunIdempotency(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)

	req := postRun(`{}`)
	req.Header.Set("X-Idempotency-Key", "abc")
	_, first := do(t, app, req)

	req = postRun(`{}`)
	req.Header.Set("X-Idempotency-Key", "abc")
	resp, second := do(t, app, req)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.Equal(t, 1, q.enqueued)

	// A key in the body is honored too.
	_, third := do(t, app, postRun(`{"idempotency_key":"abc"}`))
	assert.JSONEq(t, string(first.Data), string(third.Data))
	assert.Equal(t, 1, q.enqueued)
}

func TestGetRunStatusAndResult(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)
	job := q.add(queue.NewJob(queue.RunRequest{}))

	resp, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs/run_missing", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, env := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status queue.JobStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, queue.JobStatusQueued, status.Status)

	resp, _ = do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+job.ID+"/result", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	res := scenario.NewResult("merge-and-recommend")
	res.Pass = true
	job.SetResult(res)

	resp, env = do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+job.ID+"/result", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result queue.JobResultResponse
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, queue.JobStatusSucceeded, result.Status)
	require.NotNil(t, result.Result)
	assert.True(t, result.Result.Pass)
}

func TestGetScreenshot(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)

	path := filepath.Join(t.TempDir(), "verification.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	require.NoError(t, f.Close())

	job := q.add(queue.NewJob(queue.RunRequest{}))
	req := httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+job.ID+"/screenshot", nil)
	resp, _ := do(t, app, req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	res := scenario.NewResult("merge-and-recommend")
	res.Pass = true
	res.Artifact = &artifact.Info{Path: path}
	job.SetResult(res)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+job.ID+"/screenshot", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_, err = png.DecodeConfig(bytes.NewReader(body))
	assert.NoError(t, err)
}

func TestGetScreenshotMissingArtifact(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)

	job := q.add(queue.NewJob(queue.RunRequest{}))
	job.SetError("browser unavailable", scenario.NewResult("merge-and-recommend"))

	resp, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+job.ID+"/screenshot", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)
	job := q.add(queue.NewJob(queue.RunRequest{}))

	resp, _ := do(t, app, httptest.NewRequest(http.MethodPost, "/pagecheck/runs/"+job.ID+"/cancel", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, queue.JobStatusCanceled, job.Status)

	resp, _ = do(t, app, httptest.NewRequest(http.MethodPost, "/pagecheck/runs/"+job.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, app, httptest.NewRequest(http.MethodPost, "/pagecheck/runs/run_missing/cancel", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamEventsFinishedRun(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)
	job := q.add(queue.NewJob(queue.RunRequest{}))
	job.SetStatus(queue.JobStatusCanceled)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+job.ID+"/events", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `data: {"run_id":"`+job.ID+`","status":"canceled"`)
}

func readSSE(t *testing.T, app *fiber.App, runID string) []queue.Event {
	t.Helper()

	// A stream that never ends fails on the timeout instead of hanging.
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/pagecheck/runs/"+runID+"/events", nil), 2000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var events []queue.Event
	for _, line := range strings.Split(string(body), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev queue.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStreamEventsRunFinishingWhileSubscribing(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)
	job := q.add(queue.NewJob(queue.RunRequest{}))
	job.SetStatus(queue.JobStatusRunning)

	// The terminal event goes out before the subscription exists, so only
	// the status read after subscribing can report it.
	q.beforeSubscribe = func(id string) { q.finish(id, queue.JobStatusSucceeded) }

	events := readSSE(t, app, job.ID)
	require.Len(t, events, 1)
	assert.Equal(t, queue.JobStatusSucceeded, events[0].Status)
	assert.Zero(t, q.open)
}

func TestStreamEventsFollowsUntilTerminal(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)
	job := q.add(queue.NewJob(queue.RunRequest{}))
	job.SetStatus(queue.JobStatusRunning)

	q.afterSubscribe = func(id string) {
		q.hub.Emit(id, queue.Event{JobID: id, Status: queue.JobStatusRunning, Progress: 50})
		q.hub.Emit(id, queue.Event{JobID: id, Status: queue.JobStatusFailed})
	}

	events := readSSE(t, app, job.ID)
	require.Len(t, events, 3)
	assert.Equal(t, queue.JobStatusRunning, events[0].Status)
	assert.Equal(t, 50, events[1].Progress)
	assert.Equal(t, queue.JobStatusFailed, events[2].Status)
}

func TestStreamEventsUnknownRun(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(t, q)

	resp, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs/run_missing/events", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, q.open)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	app := newTestApp(t, newFakeQueue())

	resp, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/ws?run_id=x", nil))
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, newFakeQueue())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pagecheck_runs_enqueued_total")
}

func TestSecurityHeadersOnRunRoutes(t *testing.T) {
	app := newTestApp(t, newFakeQueue())

	resp, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/pagecheck/runs/run_missing", nil))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
}
