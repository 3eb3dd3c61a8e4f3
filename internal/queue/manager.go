package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	log "github.com/sirupsen/logrus"

	"github.com/ahrdadan/pagecheck/internal/scenario"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "PAGECHECK_RUNS"
	// SubjectName is the subject for run messages
	SubjectName = "pagecheck.runs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "pagecheck-worker"
)

// ErrNotCancelable is returned when canceling a run that already finished.
var ErrNotCancelable = errors.New("run cannot be canceled")

// JobProcessor defines the interface for processing runs
type JobProcessor interface {
	Process(ctx context.Context, job *Job, progress ProgressCallback) (*scenario.Result, error)
}

// ProgressCallback reports finished steps out of total
type ProgressCallback func(current, total int, message string)

// publisher is the part of jetstream.JetStream the manager publishes with.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Options configures a Manager.
type Options struct {
	ResultTTL       time.Duration
	CleanupInterval time.Duration
	Notifier        Notifier
}

// Manager manages the run queue
type Manager struct {
	js       jetstream.JetStream
	pub      publisher
	store    *Store
	events   *EventHub
	notifier Notifier
	ttl      time.Duration
	stream   jetstream.Stream
	consumer jetstream.Consumer

	mu        sync.Mutex
	isRunning bool
	running   map[string]context.CancelFunc
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a new queue manager on js and sets up its stream.
func NewManager(js jetstream.JetStream, opts Options) (*Manager, error) {
	m := newManager(js, opts)
	m.js = js

	if err := m.setupStream(); err != nil {
		m.cancel()
		m.store.Stop()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	return m, nil
}

func newManager(pub publisher, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pub:      pub,
		store:    NewStore(opts.CleanupInterval),
		events:   NewEventHub(),
		notifier: opts.Notifier,
		ttl:      opts.ResultTTL,
		running:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// setupStream creates or updates the JetStream stream
func (m *Manager) setupStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Pagecheck verification runs",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	m.stream = stream

	consumer, err := m.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    3,
		AckWait:       5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	m.consumer = consumer

	return nil
}

// Start starts processing runs from the queue, one at a time
func (m *Manager) Start(processor JobProcessor) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	if m.consumer == nil {
		m.mu.Unlock()
		return fmt.Errorf("queue has no consumer")
	}
	m.isRunning = true
	m.mu.Unlock()

	log.Println("Starting run queue worker...")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			default:
			}

			msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				log.Debugf("Fetch failed: %v", err)
				select {
				case <-m.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			for msg := range msgs.Messages() {
				m.processMessage(msg, processor)
			}
		}
	}()

	return nil
}

// Stop stops the worker, cancels the run in progress and waits for it.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		m.cancel()
		m.store.Stop()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.store.Stop()
	m.events.Close()
	log.Println("Run queue worker stopped")
}

// Enqueue adds a run to the queue
func (m *Manager) Enqueue(job *Job) error {
	if m.ttl > 0 && job.Request.ResultTTL <= 0 {
		job.ExpiresAt = time.Unix(job.CreatedAt, 0).Add(m.ttl).Unix()
	}

	if err := m.store.Save(job); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	data, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.pub.Publish(ctx, SubjectName, data); err != nil {
		m.store.Delete(job.ID)
		return fmt.Errorf("failed to publish run: %w", err)
	}

	recordEnqueue()
	m.events.Emit(job.ID, Event{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Run queued",
	})

	return nil
}

// EnqueueWithIdempotency enqueues a run unless one with the same idempotency
// key exists; the bool reports a duplicate.
func (m *Manager) EnqueueWithIdempotency(job *Job) (*Job, bool, error) {
	if job.IdempotencyKey != "" {
		if existing, exists := m.store.GetByIdempotencyKey(job.IdempotencyKey); exists {
			return existing, true, nil
		}
	}

	if err := m.Enqueue(job); err != nil {
		return nil, false, err
	}

	return job, false, nil
}

// GetJob retrieves a run by ID
func (m *Manager) GetJob(jobID string) (*Job, error) {
	return m.store.Get(jobID)
}

// ListJobs returns all live runs, newest first
func (m *Manager) ListJobs() []*Job {
	return m.store.List()
}

// UpdateJob updates a run and emits an event
func (m *Manager) UpdateJob(job *Job) error {
	if err := m.store.Update(job); err != nil {
		return err
	}

	m.events.Emit(job.ID, Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	})

	return nil
}

// CancelJob cancels a queued or running run
func (m *Manager) CancelJob(jobID string) (*Job, error) {
	job, err := m.store.Get(jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancelable, job.Status)
	}

	job.SetStatus(JobStatusCanceled)
	job.Message = "Run canceled"
	if err := m.UpdateJob(job); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		cancel()
	}
	m.mu.Unlock()

	recordCompletion(JobStatusCanceled, scenario.FailureNone)
	return job, nil
}

// Subscribe subscribes to run events
func (m *Manager) Subscribe(jobID string) <-chan Event {
	return m.events.Subscribe(jobID)
}

// Unsubscribe unsubscribes from run events
func (m *Manager) Unsubscribe(jobID string, ch <-chan Event) {
	m.events.Unsubscribe(jobID, ch)
}

// ackMsg is the part of jetstream.Msg the worker uses.
type ackMsg interface {
	Data() []byte
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
}

func (m *Manager) processMessage(msg ackMsg, processor JobProcessor) {
	job, err := FromJSON(msg.Data())
	if err != nil {
		log.Printf("Failed to unmarshal run: %v", err)
		msg.Ack()
		return
	}

	storedJob, err := m.store.Get(job.ID)
	if err != nil {
		// Expired or unknown; nothing left to report to.
		log.Printf("Dropping run message: %v", err)
		msg.Ack()
		return
	}

	if storedJob.Status.IsTerminal() {
		msg.Ack()
		return
	}

	// Wait out the retry delay
	if storedJob.Status == JobStatusRetrying && storedJob.NextRetryAt > 0 {
		waitUntil := time.Unix(storedJob.NextRetryAt, 0)
		if time.Now().Before(waitUntil) {
			msg.NakWithDelay(time.Until(waitUntil))
			return
		}
	}

	if m.execute(storedJob, processor) {
		msg.Nak()
		return
	}
	msg.Ack()
}

// execute runs one attempt of job and records the outcome. It reports whether
// the message must be redelivered because the manager stopped mid-run.
func (m *Manager) execute(job *Job, processor JobProcessor) bool {
	job.SetStatus(JobStatusRunning)
	job.SetProgress(0, "Run started")
	if err := m.UpdateJob(job); err != nil {
		// Canceled between delivery and start.
		log.Debugf("Not starting run %s: %v", job.ID, err)
		return false
	}

	ctx, cancel := context.WithTimeout(m.ctx, job.GetTimeoutDuration())
	defer cancel()

	m.mu.Lock()
	m.running[job.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, job.ID)
		m.mu.Unlock()
	}()

	result, err := processor.Process(ctx, job, func(current, total int, message string) {
		// After a cancel or shutdown the attempt only winds down.
		if ctx.Err() != nil {
			return
		}
		job.SetProgressInfo(current, total, message)
		m.UpdateJob(job)
	})
	recordAttempt(result)

	// A cancel request wins over whatever the attempt produced.
	if latest, getErr := m.store.Get(job.ID); getErr == nil && latest.Status == JobStatusCanceled {
		return false
	}

	// Shutdown is not the run's fault: hand it back for redelivery.
	if err != nil && m.ctx.Err() != nil {
		job.Status = JobStatusQueued
		job.Message = "Run interrupted by shutdown, requeued"
		m.UpdateJob(job)
		log.Printf("Run %s interrupted by shutdown", job.ID)
		return true
	}

	if err == nil {
		job.SetResult(result)
		m.UpdateJob(job)
		m.finish(job)
		return false
	}

	if retryable(result, err) && job.CanRetry() {
		job.LastError = err.Error()
		job.Result = result
		job.PrepareRetry()
		job.Message = fmt.Sprintf("Retrying (%d/%d): %s", job.RetryCount, job.MaxRetries, err.Error())
		m.UpdateJob(job)
		recordRetry()

		data, _ := job.ToJSON()
		retryCtx, retryCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer retryCancel()

		if _, pubErr := m.pub.Publish(retryCtx, SubjectName, data); pubErr != nil {
			log.Printf("Failed to re-enqueue run for retry: %v", pubErr)
			job.SetError(err.Error(), result)
			m.UpdateJob(job)
			m.finish(job)
		}
		return false
	}

	job.SetError(err.Error(), result)
	m.UpdateJob(job)
	m.finish(job)
	return false
}

func (m *Manager) finish(job *Job) {
	kind := scenario.FailureNone
	if job.Result != nil {
		kind = job.Result.FailureKind
	}
	recordCompletion(job.Status, kind)
	log.Printf("Run %s %s", job.ID, job.Status)

	if m.notifier != nil {
		go func(job *Job) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.notifier.Notify(ctx, job)
		}(job.Clone())
	}
}
