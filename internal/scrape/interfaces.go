package scrape

import (
	"context"
	"time"
)

// JobStore persists job metadata and the audit trail.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status Status, errText string) error
	UpdateProgress(ctx context.Context, jobID string, progress int, state State) error
	RenameJob(ctx context.Context, jobID string, name string) error
	RecordActivity(ctx context.Context, jobID string, event string, detail string) error
	AverageJobDuration(ctx context.Context) (time.Duration, error)
}

// BusinessStore persists collected businesses. SaveResults must write the
// records, the job's terminal fields, and the audit row in one transaction.
type BusinessStore interface {
	SaveResults(ctx context.Context, jobID string, businesses []Business, summary Summary, status Status) error
	ListBusinesses(ctx context.Context, jobID string) ([]Business, error)
}

// Source is the external data source being scraped. An empty industry means
// a direct business search for the town.
type Source interface {
	SearchBusinesses(ctx context.Context, town string, industry string) ([]Business, error)
	LookupProvider(ctx context.Context, business Business) (Business, error)
}

// Exporter writes a finalized-result snapshot and returns a URI.
type Exporter interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
