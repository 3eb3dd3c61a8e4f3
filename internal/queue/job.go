package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ahrdadan/pagecheck/internal/scenario"
)

// Default values for run configuration
const (
	DefaultJobTimeout = 2 * time.Minute
	DefaultMaxRetries = 3
	DefaultResultTTL  = 7 * 24 * time.Hour // 7 days
	DefaultRetryDelay = 5 * time.Second
	MaxRetryDelay     = 5 * time.Minute
)

// JobStatus represents the status of a run
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusRetrying  JobStatus = "retrying"
)

// IsTerminal reports whether no further transitions happen from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// NotifyConfig holds notification settings for a run
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // For HMAC signature
}

// RetryConfig holds retry settings for a run
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries"`    // Maximum retry attempts (default: 3)
	RetryDelay    int     `json:"retry_delay"`    // Initial delay between retries in seconds
	BackoffFactor float64 `json:"backoff_factor"` // Exponential backoff multiplier (default: 2.0)
}

// ProgressInfo holds step progress of a run
type ProgressInfo struct {
	Current int    `json:"current"` // Finished steps
	Total   int    `json:"total"`   // Steps in the scenario
	Percent int    `json:"percent"` // Percentage complete (0-100)
	Message string `json:"message"` // Last finished step
}

// RunRequest represents a run creation request
type RunRequest struct {
	// Scenario names a built-in scenario. Definition, when set, is an inline
	// YAML scenario and takes precedence.
	Scenario   string `json:"scenario,omitempty"`
	Definition string `json:"definition,omitempty"`

	Page       string `json:"page,omitempty"`
	Headless   *bool  `json:"headless,omitempty"`
	FullPage   bool   `json:"full_page,omitempty"`
	SettleMode string `json:"settle_mode,omitempty"` // blind or poll
	Timeout    int    `json:"timeout,omitempty"`     // seconds

	Notify         *NotifyConfig `json:"notify,omitempty"`
	Retry          *RetryConfig  `json:"retry,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"` // Client-provided idempotency key
	Priority       int           `json:"priority,omitempty"`        // Run priority (higher = more urgent)
	ResultTTL      int           `json:"result_ttl,omitempty"`      // Result TTL in seconds (default: 7 days)
}

// Job represents a queued verification run
type Job struct {
	ID             string           `json:"run_id"`
	Status         JobStatus        `json:"status"`
	Progress       int              `json:"progress"`
	ProgressInfo   *ProgressInfo    `json:"progress_info,omitempty"`
	Message        string           `json:"message,omitempty"`
	Request        RunRequest       `json:"request"`
	Result         *scenario.Result `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	StartedAt      int64            `json:"started_at,omitempty"`
	CompletedAt    int64            `json:"completed_at,omitempty"`
	ExpiresAt      int64            `json:"expires_at,omitempty"` // When result will be deleted
	Notify         *NotifyConfig    `json:"-"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	NextRetryAt    int64            `json:"next_retry_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Priority       int              `json:"priority"`
	UserID         string           `json:"user_id,omitempty"` // For rate limiting
	Timeout        int              `json:"timeout"`           // Run timeout in seconds
}

// NewJob creates a new run from a request
func NewJob(req RunRequest) *Job {
	now := time.Now().Unix()

	// Set default timeout
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultJobTimeout.Seconds())
	}

	// Set default max retries
	maxRetries := DefaultMaxRetries
	if req.Retry != nil && req.Retry.MaxRetries > 0 {
		maxRetries = req.Retry.MaxRetries
	}

	// Calculate expiry time
	resultTTL := DefaultResultTTL
	if req.ResultTTL > 0 {
		resultTTL = time.Duration(req.ResultTTL) * time.Second
	}
	expiresAt := time.Now().Add(resultTTL).Unix()

	return &Job{
		ID:             generateJobID(),
		Status:         JobStatusQueued,
		Progress:       0,
		Request:        req,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      expiresAt,
		Notify:         req.Notify,
		MaxRetries:     maxRetries,
		RetryCount:     0,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Timeout:        timeout,
	}
}

// SetStatus updates the run status
func (j *Job) SetStatus(status JobStatus) {
	j.Status = status
	j.UpdatedAt = time.Now().Unix()

	if status == JobStatusRunning && j.StartedAt == 0 {
		j.StartedAt = time.Now().Unix()
	}

	if status.IsTerminal() {
		j.CompletedAt = time.Now().Unix()
	}
}

// SetProgress updates the run progress
func (j *Job) SetProgress(progress int, message string) {
	j.Progress = progress
	j.Message = message
	j.UpdatedAt = time.Now().Unix()
}

// SetProgressInfo records finished steps out of total
func (j *Job) SetProgressInfo(current, total int, message string) {
	percent := 0
	if total > 0 {
		percent = (current * 100) / total
	}

	j.Progress = percent
	j.Message = message
	j.ProgressInfo = &ProgressInfo{
		Current: current,
		Total:   total,
		Percent: percent,
		Message: message,
	}
	j.UpdatedAt = time.Now().Unix()
}

// SetResult records a passing run
func (j *Job) SetResult(result *scenario.Result) {
	j.Result = result
	j.Error = ""
	j.Status = JobStatusSucceeded
	j.Progress = 100
	j.Message = "Run passed"
	j.CompletedAt = time.Now().Unix()
	j.UpdatedAt = time.Now().Unix()
}

// SetError records a failed run; result may be nil when the run never started
func (j *Job) SetError(err string, result *scenario.Result) {
	j.Result = result
	j.Error = err
	j.LastError = err
	j.Status = JobStatusFailed
	j.Message = "Run failed"
	j.CompletedAt = time.Now().Unix()
	j.UpdatedAt = time.Now().Unix()
}

// CanRetry returns true if the run can be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// PrepareRetry prepares the run for retry
func (j *Job) PrepareRetry() {
	j.RetryCount++
	j.Status = JobStatusRetrying

	// Calculate next retry time with exponential backoff
	backoffFactor := 2.0
	if j.Request.Retry != nil && j.Request.Retry.BackoffFactor > 0 {
		backoffFactor = j.Request.Retry.BackoffFactor
	}

	j.NextRetryAt = time.Now().Add(j.retryDelay(backoffFactor)).Unix()
	j.UpdatedAt = time.Now().Unix()
}

// retryDelay is baseDelay * backoffFactor^(RetryCount-1), capped at MaxRetryDelay.
func (j *Job) retryDelay(backoffFactor float64) time.Duration {
	baseDelay := DefaultRetryDelay
	if j.Request.Retry != nil && j.Request.Retry.RetryDelay > 0 {
		baseDelay = time.Duration(j.Request.Retry.RetryDelay) * time.Second
	}

	delay := baseDelay
	for i := 1; i < j.RetryCount; i++ {
		delay = time.Duration(float64(delay) * backoffFactor)
		if delay > MaxRetryDelay {
			break
		}
	}

	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

// IsExpired checks if the run result has expired
func (j *Job) IsExpired() bool {
	if j.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > j.ExpiresAt
}

// GetTimeoutDuration returns the run timeout as a time.Duration
func (j *Job) GetTimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(j.Timeout) * time.Second
}

// Clone returns a copy safe to hand to readers outside the store lock.
func (j *Job) Clone() *Job {
	c := *j
	if j.ProgressInfo != nil {
		p := *j.ProgressInfo
		c.ProgressInfo = &p
	}
	return &c
}

// ToJSON serializes a run to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON deserializes a run from JSON
func FromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobStatusResponse represents a run status response
type JobStatusResponse struct {
	JobID        string        `json:"run_id"`
	Status       JobStatus     `json:"status"`
	Progress     int           `json:"progress"`
	ProgressInfo *ProgressInfo `json:"progress_info,omitempty"`
	Message      string        `json:"message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    int64         `json:"created_at"`
	UpdatedAt    int64         `json:"updated_at"`
}

// JobResultResponse represents a run result response
type JobResultResponse struct {
	JobID  string           `json:"run_id"`
	Status JobStatus        `json:"status"`
	Result *scenario.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// JobCreatedResponse represents the response when a run is created
type JobCreatedResponse struct {
	JobID         string    `json:"run_id"`
	Status        JobStatus `json:"status"`
	StatusURL     string    `json:"status_url"`
	ResultURL     string    `json:"result_url"`
	ScreenshotURL string    `json:"screenshot_url"`
	Events        struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

func generateJobID() string {
	return "run_" + uuid.New().String()[:8]
}
