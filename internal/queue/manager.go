// Package queue implements single-active-job admission control with a FIFO
// waiting list and position-based wait estimates.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadscout/leadscout/internal/scrape"
)

// DurationSource supplies the average historical job duration used for wait
// estimates. The postgres job store implements it from persisted summaries.
type DurationSource interface {
	AverageJobDuration(ctx context.Context) (time.Duration, error)
}

// Config controls Manager limits and fallbacks.
type Config struct {
	// Capacity bounds the waiting list; 0 means DefaultCapacity.
	Capacity int
	// FallbackWait is the per-position estimate when no history exists.
	FallbackWait time.Duration
}

// DefaultCapacity bounds the waiting list when Config leaves it unset.
const DefaultCapacity = 50

const defaultFallbackWait = 10 * time.Minute

// Manager serializes access to the external source: at most one job holds
// the execution slot at a time, everything else waits in FIFO order. All
// check-then-act sequences run under one mutex.
type Manager struct {
	cfg       Config
	durations DurationSource
	logger    *zap.Logger

	mu      sync.Mutex
	active  string
	waiting []scrape.QueueItem
}

// NewManager constructs a Manager.
func NewManager(cfg Config, durations DurationSource, logger *zap.Logger) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FallbackWait <= 0 {
		cfg.FallbackWait = defaultFallbackWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		durations: durations,
		logger:    logger,
	}
}

// IsActive reports whether some job currently holds the execution slot.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != ""
}

// ActiveJob returns the id of the job holding the slot, if any.
func (m *Manager) ActiveJob() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

// AdmitOrEnqueue decides admission in one critical section: the job takes
// the slot (started=true) only when the slot is free AND nothing is waiting;
// otherwise the item joins the FIFO and its placement is returned. Requiring
// an empty waiting list keeps a submission that lands in the handoff window
// between a slot release and the next dequeue from jumping ahead of jobs
// already queued.
func (m *Manager) AdmitOrEnqueue(ctx context.Context, item scrape.QueueItem) (started bool, placement scrape.Placement, err error) {
	started, position, err := m.admit(item)
	if err != nil || started {
		return started, scrape.Placement{}, err
	}

	// The wait estimate may hit the duration store, so it stays outside the
	// admission critical section.
	wait := m.estimateWait(ctx, position)
	m.logger.Info("job queued",
		zap.String("session_id", item.JobID),
		zap.Int("position", position),
		zap.Duration("estimated_wait", wait),
	)
	return false, scrape.Placement{Position: position, EstimatedWait: wait}, nil
}

func (m *Manager) admit(item scrape.QueueItem) (started bool, position int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == "" && len(m.waiting) == 0 {
		m.active = item.JobID
		return true, 0, nil
	}
	if m.active == item.JobID {
		return false, 0, scrape.ErrAlreadyQueued
	}
	for _, w := range m.waiting {
		if w.JobID == item.JobID {
			return false, 0, scrape.ErrAlreadyQueued
		}
	}
	if len(m.waiting) >= m.cfg.Capacity {
		return false, 0, scrape.ErrQueueFull
	}

	m.waiting = append(m.waiting, item)
	return false, len(m.waiting), nil
}

// MarkCompleted releases the slot held by jobID. Calling it for a job that
// never held the slot (or was never queued) is a no-op, not an error.
func (m *Manager) MarkCompleted(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == jobID {
		m.active = ""
	}
}

// ProcessNext pops the next waiting job and hands it the execution slot.
// Returns false when the slot is still held or the queue is empty.
func (m *Manager) ProcessNext() (scrape.QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" || len(m.waiting) == 0 {
		return scrape.QueueItem{}, false
	}
	item := m.waiting[0]
	m.waiting = append([]scrape.QueueItem(nil), m.waiting[1:]...)
	m.active = item.JobID
	return item, true
}

// Remove cancels a waiting item. Returns false when the job is not queued.
func (m *Manager) Remove(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiting {
		if w.JobID == jobID {
			m.waiting = append(m.waiting[:i:i], m.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// Placement recomputes a queued job's position and wait estimate on read.
func (m *Manager) Placement(ctx context.Context, jobID string) (scrape.Placement, error) {
	position := m.position(jobID)
	if position == 0 {
		return scrape.Placement{}, fmt.Errorf("placement for %s: %w", jobID, scrape.ErrJobNotFound)
	}
	return scrape.Placement{
		Position:      position,
		EstimatedWait: m.estimateWait(ctx, position),
	}, nil
}

// position returns the 1-based waiting position, or 0 when not queued.
func (m *Manager) position(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiting {
		if w.JobID == jobID {
			return i + 1
		}
	}
	return 0
}

// Depth returns the number of waiting items.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// estimateWait is position x average historical duration, falling back to a
// fixed default when no history exists. A heuristic, not an SLA. Callers
// must not hold mu: the duration source may be a database round-trip.
func (m *Manager) estimateWait(ctx context.Context, position int) time.Duration {
	per := m.cfg.FallbackWait
	if m.durations != nil {
		avg, err := m.durations.AverageJobDuration(ctx)
		if err != nil {
			m.logger.Debug("average duration unavailable", zap.Error(err))
		} else if avg > 0 {
			per = avg
		}
	}
	return time.Duration(position) * per
}
