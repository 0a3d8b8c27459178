// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadscout/leadscout/internal/scrape"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// JobStore persists jobs, collected businesses, and the audit trail.
//
// Expected schema:
//
//	scrape_jobs(id, user_id, name, towns, industries, config, status,
//	            progress, state, summary, error_text, submitted_at,
//	            started_at, finished_at)
//	scrape_businesses(job_id, name, phone, address, website, provider,
//	                  town, industry, enrichment, created_at)
//	scrape_activity(job_id, event, detail, created_at)
type JobStore struct {
	pool dbPool
}

// NewJobStore connects a pool using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobStoreWithPool(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts the job row with its JSON config and checkpoint.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	stateJSON, err := json.Marshal(job.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	query := `
INSERT INTO scrape_jobs (
	id, user_id, name, towns, industries, config, status,
	progress, state, submitted_at, started_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.Name,
		job.Towns,
		job.Industries,
		configJSON,
		string(job.Status),
		job.Progress,
		stateJSON,
		job.Submitted,
		job.Started,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job row by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	query := `
SELECT id, user_id, name, towns, industries, config, status, progress,
       state, summary, error_text, submitted_at, started_at, finished_at
FROM scrape_jobs WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, jobID)

	var (
		job         scrape.Job
		status      string
		configJSON  []byte
		stateJSON   []byte
		summaryJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.Name, &job.Towns, &job.Industries,
		&configJSON, &status, &job.Progress, &stateJSON, &summaryJSON,
		&job.ErrorText, &job.Submitted, &job.Started, &job.Finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = scrape.Status(status)
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return scrape.Job{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &job.State); err != nil {
			return scrape.Job{}, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		var summary scrape.Summary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return scrape.Job{}, fmt.Errorf("unmarshal summary: %w", err)
		}
		job.Summary = &summary
	}
	return job, nil
}

// UpdateJobStatus sets the status and error text, stamping started/finished
// transitions as a side effect.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status scrape.Status, errText string) error {
	query := `
UPDATE scrape_jobs
SET status = $2,
    error_text = $3,
    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
    finished_at = CASE WHEN $4 AND finished_at IS NULL THEN now() ELSE finished_at END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, status.Terminal())
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrJobNotFound
	}
	return nil
}

// UpdateProgress persists the progress percentage and checkpoint. Progress
// never moves backwards.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int, state scrape.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	query := `
UPDATE scrape_jobs
SET progress = GREATEST(progress, $2), state = $3
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, progress, stateJSON)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrJobNotFound
	}
	return nil
}

// RenameJob updates the human-readable name.
func (s *JobStore) RenameJob(ctx context.Context, jobID string, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scrape_jobs SET name = $2 WHERE id = $1`, jobID, name)
	if err != nil {
		return fmt.Errorf("rename job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrJobNotFound
	}
	return nil
}

// RecordActivity appends an audit row.
func (s *JobStore) RecordActivity(ctx context.Context, jobID string, event string, detail string) error {
	query := `INSERT INTO scrape_activity (job_id, event, detail, created_at) VALUES ($1, $2, $3, now())`
	if _, err := s.pool.Exec(ctx, query, jobID, event, detail); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// AverageJobDuration averages completed-job wall times from the job rows.
func (s *JobStore) AverageJobDuration(ctx context.Context) (time.Duration, error) {
	query := `
SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - started_at))), 0)
FROM scrape_jobs
WHERE status = 'completed' AND started_at IS NOT NULL AND finished_at IS NOT NULL`
	var seconds float64
	if err := s.pool.QueryRow(ctx, query).Scan(&seconds); err != nil {
		return 0, fmt.Errorf("average job duration: %w", err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("no completed jobs")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
