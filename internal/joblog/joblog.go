// Package joblog tracks per-job timing and error statistics for summaries.
package joblog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry records one absorbed lookup failure with its scrape context.
type Entry struct {
	Town     string
	Industry string
	Business string
	Err      string
	At       time.Time
}

// Manager aggregates elapsed time and error counts for a single job. It is
// safe for concurrent use by the lookup goroutines of one orchestrator.
type Manager struct {
	jobID  string
	logger *zap.Logger

	mu         sync.Mutex
	startedAt  time.Time
	entries    []Entry
	errorCount int
}

const maxRetainedEntries = 100

// New constructs a Manager for the given job.
func New(jobID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		jobID:  jobID,
		logger: logger.With(zap.String("session_id", jobID)),
	}
}

// Start marks the beginning of job execution.
func (m *Manager) Start(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = at
}

// RecordError logs an absorbed per-unit failure with full scrape context and
// counts it toward the job summary.
func (m *Manager) RecordError(town, industry, business string, err error) {
	m.logger.Warn("lookup failed",
		zap.String("town", town),
		zap.String("industry", industry),
		zap.String("business", business),
		zap.Error(err),
	)
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep counting past the retention cap without growing the slice.
	if len(m.entries) < maxRetainedEntries {
		m.entries = append(m.entries, Entry{
			Town:     town,
			Industry: industry,
			Business: business,
			Err:      err.Error(),
			At:       time.Now().UTC(),
		})
	}
	m.errorCount++
}

// ErrorCount returns the number of absorbed failures so far.
func (m *Manager) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// Errors returns a copy of the retained failure entries.
func (m *Manager) Errors() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// StartedAt returns when the job began executing.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Elapsed returns the wall time since Start.
func (m *Manager) Elapsed(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	return now.Sub(m.startedAt)
}

// Logger returns the job-scoped logger.
func (m *Manager) Logger() *zap.Logger {
	return m.logger
}
