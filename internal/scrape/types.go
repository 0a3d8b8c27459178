// Package scrape defines core types shared across subsystems.
package scrape

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a scrape job.
type Status string

// Job status values persisted in the job store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether a status ends the job lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// Concurrency cap bounds enforced at job submission.
const (
	MinSimultaneousTowns      = 1
	MaxSimultaneousTowns      = 5
	MinSimultaneousIndustries = 1
	MaxSimultaneousIndustries = 3
	MinSimultaneousLookups    = 1
	MaxSimultaneousLookups    = 3
)

// Sentinel errors shared by the orchestration core.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrOtherJobRunning = errors.New("another job is running")
	ErrAlreadyQueued   = errors.New("job already queued")
	ErrQueueFull       = errors.New("queue capacity exceeded")
)

// Config captures the immutable per-job concurrency parameters. It is
// validated once at submission and never mutated afterwards.
type Config struct {
	SimultaneousTowns      int  `json:"simultaneous_towns" mapstructure:"simultaneous_towns"`
	SimultaneousIndustries int  `json:"simultaneous_industries" mapstructure:"simultaneous_industries"`
	SimultaneousLookups    int  `json:"simultaneous_lookups" mapstructure:"simultaneous_lookups"`
	EnableProviderLookup   bool `json:"enable_provider_lookup" mapstructure:"enable_provider_lookup"`
}

// DefaultConfig returns the caps used when a submission omits them.
func DefaultConfig() Config {
	return Config{
		SimultaneousTowns:      3,
		SimultaneousIndustries: 2,
		SimultaneousLookups:    2,
		EnableProviderLookup:   true,
	}
}

// Validate enforces the documented [min,max] ranges for each cap.
func (c Config) Validate() error {
	if c.SimultaneousTowns < MinSimultaneousTowns || c.SimultaneousTowns > MaxSimultaneousTowns {
		return fmt.Errorf("simultaneous_towns must be in [%d,%d]", MinSimultaneousTowns, MaxSimultaneousTowns)
	}
	if c.SimultaneousIndustries < MinSimultaneousIndustries || c.SimultaneousIndustries > MaxSimultaneousIndustries {
		return fmt.Errorf("simultaneous_industries must be in [%d,%d]", MinSimultaneousIndustries, MaxSimultaneousIndustries)
	}
	if c.SimultaneousLookups < MinSimultaneousLookups || c.SimultaneousLookups > MaxSimultaneousLookups {
		return fmt.Errorf("simultaneous_lookups must be in [%d,%d]", MinSimultaneousLookups, MaxSimultaneousLookups)
	}
	return nil
}

// Business is one collected record: a scraped business entity plus any
// provider enrichment gathered during lookups.
type Business struct {
	Name       string            `json:"name"`
	Phone      string            `json:"phone,omitempty"`
	Address    string            `json:"address,omitempty"`
	Website    string            `json:"website,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Town       string            `json:"town"`
	Industry   string            `json:"industry,omitempty"`
	Enrichment map[string]string `json:"enrichment,omitempty"`
}

// State is the resumability checkpoint persisted alongside the job row.
// CompletedTowns may finish out of input order under bounded concurrency.
type State struct {
	TownIndex      int      `json:"town_index"`
	IndustryIndex  int      `json:"industry_index"`
	CompletedTowns []string `json:"completed_towns"`
}

// Summary captures terminal-state statistics for a job.
type Summary struct {
	Businesses     int       `json:"businesses"`
	Errors         int       `json:"errors"`
	TownsCompleted int       `json:"towns_completed"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMs     int64     `json:"duration_ms"`
}

// Job represents the metadata persisted for each submitted scrape request.
type Job struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Towns      []string   `json:"towns"`
	Industries []string   `json:"industries"`
	Config     Config     `json:"config"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	State      State      `json:"state"`
	Summary    *Summary   `json:"summary,omitempty"`
	Submitted  time.Time  `json:"submitted_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
}

// JobName derives a human-readable job name from the submitted scope.
func JobName(towns, industries []string) string {
	if len(industries) == 0 {
		return fmt.Sprintf("%d towns, direct search", len(towns))
	}
	return fmt.Sprintf("%d towns x %d industries", len(towns), len(industries))
}

// QueueItem is a deferred job waiting for the single execution slot. Its
// position is never stored; it is computed on read from the FIFO order.
type QueueItem struct {
	JobID      string
	UserID     string
	Towns      []string
	Industries []string
	Config     Config
	EnqueuedAt time.Time
}

// Placement reports where a queued job sits and a position-based wait
// estimate. The estimate is a heuristic, not an SLA.
type Placement struct {
	Position      int
	EstimatedWait time.Duration
}

// CompletionEvent is published when a job reaches a terminal status.
type CompletionEvent struct {
	SessionID  string `json:"session_id"`
	Status     Status `json:"status"`
	Businesses int    `json:"businesses"`
	Errors     int    `json:"errors"`
	DurationMs int64  `json:"duration_ms"`
}

// Activity event names written to the append-only audit record.
const (
	ActivityQueued    = "job_queued"
	ActivityStarted   = "job_started"
	ActivityCompleted = "job_completed"
	ActivityStopped   = "job_stopped"
	ActivityError     = "job_error"
)
