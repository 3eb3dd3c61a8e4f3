package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/pagecheck/internal/scenario"
)

func TestNewJobDefaults(t *testing.T) {
	job := NewJob(RunRequest{Scenario: "settings-controls"})

	assert.True(t, strings.HasPrefix(job.ID, "run_"))
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, DefaultJobTimeout, job.GetTimeoutDuration())
	assert.InDelta(t, time.Now().Add(DefaultResultTTL).Unix(), job.ExpiresAt, 2)
}

func TestNewJobOverrides(t *testing.T) {
	job := NewJob(RunRequest{
		Timeout:        10,
		Retry:          &RetryConfig{MaxRetries: 7},
		ResultTTL:      60,
		IdempotencyKey: "k1",
	})

	assert.Equal(t, 10*time.Second, job.GetTimeoutDuration())
	assert.Equal(t, 7, job.MaxRetries)
	assert.Equal(t, "k1", job.IdempotencyKey)
	assert.InDelta(t, time.Now().Add(time.Minute).Unix(), job.ExpiresAt, 2)
}

func TestJobStatusTransitions(t *testing.T) {
	job := NewJob(RunRequest{})

	job.SetStatus(JobStatusRunning)
	assert.NotZero(t, job.StartedAt)
	assert.Zero(t, job.CompletedAt)

	job.SetProgressInfo(3, 6, "click #calculate-btn")
	assert.Equal(t, 50, job.Progress)
	require.NotNil(t, job.ProgressInfo)
	assert.Equal(t, 6, job.ProgressInfo.Total)

	job.SetResult(&scenario.Result{Pass: true})
	assert.Equal(t, JobStatusSucceeded, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotZero(t, job.CompletedAt)
	assert.True(t, job.Status.IsTerminal())
}

func TestRetryBackoff(t *testing.T) {
	job := NewJob(RunRequest{Retry: &RetryConfig{MaxRetries: 20, RetryDelay: 10, BackoffFactor: 3}})

	job.RetryCount = 1
	assert.Equal(t, 10*time.Second, job.retryDelay(3))
	job.RetryCount = 2
	assert.Equal(t, 30*time.Second, job.retryDelay(3))
	job.RetryCount = 3
	assert.Equal(t, 90*time.Second, job.retryDelay(3))
	job.RetryCount = 15
	assert.Equal(t, MaxRetryDelay, job.retryDelay(3))

	job.RetryCount = 0
	job.PrepareRetry()
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, JobStatusRetrying, job.Status)
	assert.Greater(t, job.NextRetryAt, time.Now().Unix())
}

func TestCanRetry(t *testing.T) {
	job := NewJob(RunRequest{Retry: &RetryConfig{MaxRetries: 1}})
	assert.True(t, job.CanRetry())
	job.PrepareRetry()
	assert.False(t, job.CanRetry())
}

func TestJobJSONRoundTrip(t *testing.T) {
	headless := false
	job := NewJob(RunRequest{Scenario: "merge-and-recommend", Page: "/srv/index.html", Headless: &headless})

	data, err := job.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"`+job.ID+`"`)

	back, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, back.ID)
	require.NotNil(t, back.Request.Headless)
	assert.False(t, *back.Request.Headless)
}
