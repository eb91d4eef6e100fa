// Package memory provides the in-memory job store for development and
// tests. Job-level status is always derived from the arena runs, never
// written directly, so the two can not drift apart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/medialens/arena-collector/internal/arena"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// JobStore implements arena.JobStore backed by maps.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]arena.Job
	runs     map[string][]arena.ArenaRun
	canceled map[string]bool
	now      func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:     make(map[string]arena.Job),
		runs:     make(map[string][]arena.ArenaRun),
		canceled: make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (s *JobStore) WithClock(now func() time.Time) *JobStore {
	s.now = now
	return s
}

// CreateJob stores a new job with its queued arena runs.
func (s *JobStore) CreateJob(_ context.Context, job arena.Job, runs []arena.ArenaRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	s.runs[job.ID] = append([]arena.ArenaRun(nil), runs...)
	return nil
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(_ context.Context, jobID string) (arena.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return arena.Job{}, ErrNotFound
	}
	return job, nil
}

// ListRuns returns the arena runs for a job in submission order.
func (s *JobStore) ListRuns(_ context.Context, jobID string) ([]arena.ArenaRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs, ok := s.runs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]arena.ArenaRun, len(runs))
	copy(out, runs)
	return out, nil
}

// UpdateRun replaces the run state for (jobID, platform) and re-derives the
// job status from all sibling runs. Cancellation is sticky: a canceled job
// never transitions to another status, although its runs keep recording
// their outcomes.
func (s *JobStore) UpdateRun(_ context.Context, run arena.ArenaRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, ok := s.runs[run.JobID]
	if !ok {
		return ErrNotFound
	}
	found := false
	for i := range runs {
		if runs[i].Platform == run.Platform {
			runs[i] = run
			found = true
			break
		}
	}
	if !found {
		return errors.New("arena run not found")
	}

	job := s.jobs[run.JobID]
	if job.Started == nil && run.Started != nil {
		job.Started = run.Started
	}
	if !s.canceled[run.JobID] {
		job.Status = arena.AggregateJobStatus(runs)
	}
	if terminal(job.Status) && job.Finished == nil && allSettled(runs) {
		now := s.now()
		job.Finished = &now
	}
	s.jobs[run.JobID] = job
	return nil
}

// CancelJob flags the job canceled. Idempotent.
func (s *JobStore) CancelJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if s.canceled[jobID] {
		return nil
	}
	s.canceled[jobID] = true
	job.Status = arena.JobStatusCanceled
	s.jobs[jobID] = job
	return nil
}

// Canceled reports whether the job was canceled.
func (s *JobStore) Canceled(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return false, ErrNotFound
	}
	return s.canceled[jobID], nil
}

func terminal(status arena.JobStatus) bool {
	switch status {
	case arena.JobStatusSucceeded, arena.JobStatusPartial, arena.JobStatusFailed, arena.JobStatusCanceled:
		return true
	default:
		return false
	}
}

func allSettled(runs []arena.ArenaRun) bool {
	for _, run := range runs {
		switch run.Status {
		case arena.ArenaStatusSucceeded, arena.ArenaStatusFailed:
		default:
			return false
		}
	}
	return true
}
