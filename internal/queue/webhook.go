package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ahrdadan/pagecheck/internal/security"
)

// Notifier is told about runs that reached a final status.
type Notifier interface {
	Notify(ctx context.Context, job *Job)
}

// WebhookPayload is the body posted to a run's webhook URL.
type WebhookPayload struct {
	RunID       string    `json:"run_id"`
	Status      JobStatus `json:"status"`
	Pass        bool      `json:"pass"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	ResultURL   string    `json:"result_url"`
	FinishedAt  int64     `json:"finished_at"`
}

// WebhookNotifier posts WebhookPayload to the URL in a run's NotifyConfig.
type WebhookNotifier struct {
	client  *http.Client
	baseURL string
}

// NewWebhookNotifier creates a notifier; baseURL prefixes result links.
func NewWebhookNotifier(baseURL string) *WebhookNotifier {
	return &WebhookNotifier{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
}

// Notify sends the webhook if one is configured. Failures are logged only.
func (n *WebhookNotifier) Notify(ctx context.Context, job *Job) {
	if job.Notify == nil || job.Notify.WebhookURL == "" {
		return
	}

	payload := WebhookPayload{
		RunID:      job.ID,
		Status:     job.Status,
		Error:      job.Error,
		ResultURL:  fmt.Sprintf("%s/pagecheck/runs/%s/result", n.baseURL, job.ID),
		FinishedAt: job.CompletedAt,
	}
	if job.Result != nil {
		payload.Pass = job.Result.Pass
		payload.FailureKind = string(job.Result.FailureKind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal webhook payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Notify.WebhookURL, bytes.NewReader(data))
	if err != nil {
		log.Printf("Failed to create webhook request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pagecheck-Event", "run."+string(job.Status))
	if job.Notify.WebhookSecret != "" {
		req.Header.Set("X-Pagecheck-Signature", "sha256="+security.GenerateWebhookSignature(data, job.Notify.WebhookSecret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("Failed to send webhook for %s: %v", job.ID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("Webhook for %s returned error status: %d", job.ID, resp.StatusCode)
	}
}
