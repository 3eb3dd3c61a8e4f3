package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrJobNotFound is returned for unknown or expired run ids.
var ErrJobNotFound = errors.New("run not found")

// ErrJobFinished is returned when writing to a run that already reached a
// terminal status.
var ErrJobFinished = errors.New("run already finished")

// Store is an in-memory run store with TTL support. It hands out copies, so
// callers may modify what they get and write it back with Update.
type Store struct {
	jobs           map[string]*Job
	idempotencyMap map[string]string // idempotency_key -> run_id
	mu             sync.RWMutex
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewStore creates a new run store that drops expired runs every interval.
func NewStore(interval time.Duration) *Store {
	s := &Store{
		jobs:           make(map[string]*Job),
		idempotencyMap: make(map[string]string),
		stopCleanup:    make(chan struct{}),
	}

	if interval <= 0 {
		interval = time.Hour
	}
	go s.cleanupLoop(interval)

	return s
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes expired runs
func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for jobID, job := range s.jobs {
		if job.IsExpired() {
			if job.IdempotencyKey != "" {
				delete(s.idempotencyMap, job.IdempotencyKey)
			}
			delete(s.jobs, jobID)
			deleted++
		}
	}

	if deleted > 0 {
		log.Printf("Cleaned up %d expired runs", deleted)
	}
	return deleted
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Save saves a run to the store
func (s *Store) Save(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()

	// Save idempotency mapping if key provided
	if job.IdempotencyKey != "" {
		s.idempotencyMap[job.IdempotencyKey] = job.ID
	}

	return nil
}

// GetByIdempotencyKey retrieves a run by idempotency key
func (s *Store) GetByIdempotencyKey(key string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, exists := s.idempotencyMap[key]
	if !exists {
		return nil, false
	}

	job, exists := s.jobs[jobID]
	if !exists || job.IsExpired() {
		return nil, false
	}

	return job.Clone(), true
}

// Get retrieves a run by ID
func (s *Store) Get(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok || job.IsExpired() {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	return job.Clone(), nil
}

// Update updates a run in the store. A terminal status is final: once stored,
// later writes are refused with ErrJobFinished.
func (s *Store) Update(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, job.ID, stored.Status)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Delete removes a run from the store
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok && job.IdempotencyKey != "" {
		delete(s.idempotencyMap, job.IdempotencyKey)
	}
	delete(s.jobs, jobID)
	return nil
}

// List returns all live runs, newest first
func (s *Store) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.IsExpired() {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt == jobs[j].CreatedAt {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt > jobs[j].CreatedAt
	})
	return jobs
}
