package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrdadan/pagecheck/internal/scenario"
)

var (
	metricRunsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagecheck",
		Name:      "runs_enqueued_total",
		Help:      "Number of verification runs accepted into the queue.",
	})
	metricRunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagecheck",
		Name:      "runs_completed_total",
		Help:      "Number of verification runs that reached a final status.",
	}, []string{"status", "failure_kind"})
	metricRunsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagecheck",
		Name:      "runs_retried_total",
		Help:      "Number of verification run attempts scheduled for retry.",
	})
	metricRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pagecheck",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a verification run attempt.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"scenario"})
)

func recordEnqueue() {
	metricRunsEnqueued.Inc()
}

func recordRetry() {
	metricRunsRetried.Inc()
}

func recordCompletion(status JobStatus, kind scenario.FailureKind) {
	metricRunsCompleted.WithLabelValues(string(status), string(kind)).Inc()
}

func recordAttempt(res *scenario.Result) {
	if res == nil {
		return
	}
	metricRunDuration.WithLabelValues(res.Scenario).Observe(res.Duration().Seconds())
}
