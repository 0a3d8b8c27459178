// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leadscout/leadscout/internal/scrape"
)

// ActivityRecord is one append-only audit row.
type ActivityRecord struct {
	JobID  string
	Event  string
	Detail string
	At     time.Time
}

// JobStore keeps jobs, businesses, and the audit trail in process memory.
// It implements both scrape.JobStore and scrape.BusinessStore.
type JobStore struct {
	mu         sync.RWMutex
	jobs       map[string]scrape.Job
	businesses map[string][]scrape.Business
	activity   []ActivityRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:       make(map[string]scrape.Job),
		businesses: make(map[string][]scrape.Business),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return scrape.ErrJobExists
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	return job, nil
}

// UpdateJobStatus updates the status and error text for a job.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status scrape.Status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.ErrJobNotFound
	}
	job.Status = status
	job.ErrorText = errText
	now := time.Now().UTC()
	if status == scrape.StatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.Terminal() && job.Finished == nil {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress stores the progress percentage and checkpoint state.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int, state scrape.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.ErrJobNotFound
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.State = state
	s.jobs[jobID] = job
	return nil
}

// RenameJob sets the human-readable name.
func (s *JobStore) RenameJob(_ context.Context, jobID string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.ErrJobNotFound
	}
	job.Name = name
	s.jobs[jobID] = job
	return nil
}

// RecordActivity appends an audit row.
func (s *JobStore) RecordActivity(_ context.Context, jobID string, event string, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, ActivityRecord{
		JobID:  jobID,
		Event:  event,
		Detail: detail,
		At:     time.Now().UTC(),
	})
	return nil
}

// AverageJobDuration averages completed-job durations from stored summaries.
func (s *JobStore) AverageJobDuration(_ context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total time.Duration
	var count int
	for _, job := range s.jobs {
		if job.Status == scrape.StatusCompleted && job.Summary != nil {
			total += time.Duration(job.Summary.DurationMs) * time.Millisecond
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("no completed jobs")
	}
	return total / time.Duration(count), nil
}

// SaveResults writes businesses and the terminal job fields atomically with
// respect to other store calls.
func (s *JobStore) SaveResults(
	_ context.Context,
	jobID string,
	businesses []scrape.Business,
	summary scrape.Summary,
	status scrape.Status,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.ErrJobNotFound
	}
	stored := make([]scrape.Business, len(businesses))
	copy(stored, businesses)
	s.businesses[jobID] = stored

	job.Status = status
	job.Summary = &summary
	if status == scrape.StatusCompleted {
		job.Progress = 100
	}
	if job.Started == nil && !summary.StartedAt.IsZero() {
		job.Started = pointerTime(summary.StartedAt)
	}
	job.Finished = pointerTime(summary.FinishedAt)
	s.jobs[jobID] = job
	return nil
}

// ListBusinesses returns all stored businesses for a job.
func (s *JobStore) ListBusinesses(_ context.Context, jobID string) ([]scrape.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.businesses[jobID]
	out := make([]scrape.Business, len(stored))
	copy(out, stored)
	return out, nil
}

// Activity returns a copy of the audit trail.
func (s *JobStore) Activity() []ActivityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActivityRecord, len(s.activity))
	copy(out, s.activity)
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
