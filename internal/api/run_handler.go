package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/pagecheck/internal/queue"
	"github.com/ahrdadan/pagecheck/internal/scenario"
	"github.com/ahrdadan/pagecheck/internal/security"
)

// RunQueue is the part of queue.Manager the run endpoints use.
type RunQueue interface {
	EnqueueWithIdempotency(job *queue.Job) (*queue.Job, bool, error)
	GetJob(jobID string) (*queue.Job, error)
	ListJobs() []*queue.Job
	CancelJob(jobID string) (*queue.Job, error)
	Subscribe(jobID string) <-chan queue.Event
	Unsubscribe(jobID string, ch <-chan queue.Event)
}

// RunHandler handles run-related API requests
type RunHandler struct {
	queue            RunQueue
	idempotencyStore *security.IdempotencyStore
	baseURL          string
	maxTimeout       time.Duration
	maxRetries       int
	pageRoot         string
}

// NewRunHandler creates a new run handler
func NewRunHandler(q RunQueue, idempotencyStore *security.IdempotencyStore, cfg RouteConfig) *RunHandler {
	return &RunHandler{
		queue:            q,
		idempotencyStore: idempotencyStore,
		baseURL:          cfg.BaseURL,
		maxTimeout:       cfg.MaxRunTimeout,
		maxRetries:       cfg.MaxRetries,
		pageRoot:         cfg.PageRoot,
	}
}

// CreateRun validates and enqueues a verification run
// POST /pagecheck/runs
func (h *RunHandler) CreateRun(c *fiber.Ctx) error {
	var req queue.RunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	// Reject what the worker could never run before it reaches the queue.
	sc, err := queue.ResolveScenario(req)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if h.pageRoot != "" {
		if err := queue.ConfineRequest(h.pageRoot, &req, sc); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if req.SettleMode != "" {
		if _, err := scenario.ParseSettleMode(req.SettleMode); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if req.Notify != nil && req.Notify.WebhookURL != "" && !isHTTPURL(req.Notify.WebhookURL) {
		return fiber.NewError(fiber.StatusBadRequest, "notify.webhook_url must be an http(s) URL")
	}

	// Header wins over body
	if key := c.Get("X-Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey != "" && h.idempotencyStore != nil {
		if entry, exists := h.idempotencyStore.Check(req.IdempotencyKey); exists {
			c.Set("X-Idempotency-Replayed", "true")
			return c.Status(fiber.StatusAccepted).JSON(entry.Response)
		}
	}

	h.clamp(&req)
	job := queue.NewJob(req)
	job.UserID = security.ClientID(c)

	run, duplicate, err := h.queue.EnqueueWithIdempotency(job)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("Failed to enqueue run: %v", err))
	}

	response := Response{
		Success: true,
		Data:    h.createdResponse(run),
	}

	if duplicate {
		c.Set("X-Idempotency-Replayed", "true")
	} else if req.IdempotencyKey != "" && h.idempotencyStore != nil {
		h.idempotencyStore.Store(req.IdempotencyKey, run.ID, response)
	}

	return c.Status(fiber.StatusAccepted).JSON(response)
}

func (h *RunHandler) clamp(req *queue.RunRequest) {
	if req.Priority <= 0 || req.Priority > 10 {
		req.Priority = 5
	}

	if h.maxTimeout > 0 && time.Duration(req.Timeout)*time.Second > h.maxTimeout {
		req.Timeout = int(h.maxTimeout.Seconds())
	}

	if req.Retry != nil && h.maxRetries > 0 && req.Retry.MaxRetries > h.maxRetries {
		req.Retry.MaxRetries = h.maxRetries
	}
}

func (h *RunHandler) createdResponse(run *queue.Job) queue.JobCreatedResponse {
	response := queue.JobCreatedResponse{
		JobID:         run.ID,
		Status:        run.Status,
		StatusURL:     fmt.Sprintf("%s/pagecheck/runs/%s", h.baseURL, run.ID),
		ResultURL:     fmt.Sprintf("%s/pagecheck/runs/%s/result", h.baseURL, run.ID),
		ScreenshotURL: fmt.Sprintf("%s/pagecheck/runs/%s/screenshot", h.baseURL, run.ID),
	}
	response.Events.SSEURL = fmt.Sprintf("%s/pagecheck/runs/%s/events", h.baseURL, run.ID)
	response.Events.WSURL = fmt.Sprintf("%s/pagecheck/ws?run_id=%s", wsBase(h.baseURL), run.ID)
	return response
}

// lookup fetches the run named by the :run_id param.
func (h *RunHandler) lookup(c *fiber.Ctx) (*queue.Job, error) {
	runID := c.Params("run_id")
	if runID == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Run ID is required")
	}

	run, err := h.queue.GetJob(runID)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "Run not found")
	}
	return run, nil
}

// ListRuns lists live runs, newest first, optionally filtered by ?status=
// GET /pagecheck/runs
func (h *RunHandler) ListRuns(c *fiber.Ctx) error {
	filter := queue.JobStatus(c.Query("status"))

	runs := make([]queue.JobStatusResponse, 0)
	for _, run := range h.queue.ListJobs() {
		if filter != "" && run.Status != filter {
			continue
		}
		runs = append(runs, statusResponse(run))
	}

	return c.JSON(Response{
		Success: true,
		Data:    runs,
	})
}

// GetRunStatus returns the status of a run
// GET /pagecheck/runs/:run_id
func (h *RunHandler) GetRunStatus(c *fiber.Ctx) error {
	run, err := h.lookup(c)
	if err != nil {
		return err
	}

	return c.JSON(Response{
		Success: true,
		Data:    statusResponse(run),
	})
}

func statusResponse(run *queue.Job) queue.JobStatusResponse {
	return queue.JobStatusResponse{
		JobID:        run.ID,
		Status:       run.Status,
		Progress:     run.Progress,
		ProgressInfo: run.ProgressInfo,
		Message:      run.Message,
		RetryCount:   run.RetryCount,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}
}

// GetRunResult returns the result of a finished run
// GET /pagecheck/runs/:run_id/result
func (h *RunHandler) GetRunResult(c *fiber.Ctx) error {
	run, err := h.lookup(c)
	if err != nil {
		return err
	}

	if !run.Status.IsTerminal() {
		return fiber.NewError(fiber.StatusConflict, "Run not completed yet")
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.JobResultResponse{
			JobID:  run.ID,
			Status: run.Status,
			Result: run.Result,
			Error:  run.Error,
		},
	})
}

// GetScreenshot serves the PNG a run wrote
// GET /pagecheck/runs/:run_id/screenshot
func (h *RunHandler) GetScreenshot(c *fiber.Ctx) error {
	run, err := h.lookup(c)
	if err != nil {
		return err
	}

	if !run.Status.IsTerminal() {
		return fiber.NewError(fiber.StatusConflict, "Run not completed yet")
	}
	if run.Result == nil || run.Result.Artifact == nil {
		return fiber.NewError(fiber.StatusNotFound, "Run produced no screenshot")
	}

	c.Type("png")
	return c.SendFile(run.Result.Artifact.Path)
}

// CancelRun cancels a queued or running run
// POST /pagecheck/runs/:run_id/cancel
func (h *RunHandler) CancelRun(c *fiber.Ctx) error {
	runID := c.Params("run_id")

	run, err := h.queue.CancelJob(runID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "Run not found")
		}
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"run_id": run.ID,
			"status": run.Status,
		},
	})
}

func initialEvent(run *queue.Job) queue.Event {
	return queue.Event{
		JobID:    run.ID,
		Status:   run.Status,
		Progress: run.Progress,
		Message:  run.Message,
	}
}

// follow subscribes to a run and then reads its status. An event emitted in
// between stays buffered, and a run that finished in between is read as
// terminal. events is nil for finished runs.
func (h *RunHandler) follow(runID string) (*queue.Job, <-chan queue.Event, error) {
	events := h.queue.Subscribe(runID)
	run, err := h.queue.GetJob(runID)
	if err != nil {
		h.queue.Unsubscribe(runID, events)
		return nil, nil, err
	}
	if run.Status.IsTerminal() {
		h.queue.Unsubscribe(runID, events)
		return run, nil, nil
	}
	return run, events, nil
}

// StreamEvents streams run events via SSE
// GET /pagecheck/runs/:run_id/events
func (h *RunHandler) StreamEvents(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	if runID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Run ID is required")
	}

	run, events, err := h.follow(runID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.queue.Unsubscribe(runID, events)
		}

		if err := writeSSE(w, initialEvent(run)); err != nil || events == nil {
			return
		}

		// The channel closes after the terminal event.
		for event := range events {
			if err := writeSSE(w, event); err != nil {
				return
			}
		}
	})

	return nil
}

func writeSSE(w *bufio.Writer, event queue.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// HandleWebSocket streams run events over a WebSocket
// GET /pagecheck/ws?run_id=...
func (h *RunHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	runID := c.Query("run_id")
	if runID == "" {
		_ = c.WriteJSON(map[string]interface{}{
			"error": "run_id is required",
		})
		return
	}

	run, events, err := h.follow(runID)
	if err != nil {
		_ = c.WriteJSON(map[string]interface{}{
			"error": "run not found",
		})
		return
	}
	if events != nil {
		defer h.queue.Unsubscribe(runID, events)
	}

	if err := c.WriteJSON(initialEvent(run)); err != nil || events == nil {
		return
	}

	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			return
		}
	}
}
