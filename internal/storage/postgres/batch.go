package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/leadscout/leadscout/internal/scrape"
)

const insertBusinessSQL = `
INSERT INTO scrape_businesses (
	job_id, name, phone, address, website, provider, town, industry, enrichment, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())`

// SaveResults performs the batch write-back for a finished (or stopped) job:
// all collected businesses, the job's terminal fields, and the audit row are
// committed in one transaction. A partially written result set is never
// visible as completed; any failure rolls back and leaves the job's prior
// status intact. An empty record list still finalizes the job.
func (s *JobStore) SaveResults(
	ctx context.Context,
	jobID string,
	businesses []scrape.Business,
	summary scrape.Summary,
	status scrape.Status,
) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save results: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(ctx)
	}()

	if len(businesses) > 0 {
		batch := &pgx.Batch{}
		for _, b := range businesses {
			enrichmentJSON, err := json.Marshal(b.Enrichment)
			if err != nil {
				return fmt.Errorf("marshal enrichment for %q: %w", b.Name, err)
			}
			batch.Queue(insertBusinessSQL,
				jobID, b.Name, b.Phone, b.Address, b.Website,
				b.Provider, b.Town, b.Industry, enrichmentJSON,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range businesses {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert business: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close business batch: %w", err)
		}
	}

	updateSQL := `
UPDATE scrape_jobs
SET status = $2,
    progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
    summary = $3,
    finished_at = $4
WHERE id = $1`
	tag, err := tx.Exec(ctx, updateSQL, jobID, string(status), summaryJSON, summary.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job summary: %w", scrape.ErrJobNotFound)
	}

	activitySQL := `INSERT INTO scrape_activity (job_id, event, detail, created_at) VALUES ($1, $2, $3, now())`
	detail := fmt.Sprintf("%d businesses, %d errors", summary.Businesses, summary.Errors)
	if _, err := tx.Exec(ctx, activitySQL, jobID, "results_saved", detail); err != nil {
		return fmt.Errorf("insert save activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save results: %w", err)
	}
	return nil
}

// ListBusinesses returns the persisted businesses for a job.
func (s *JobStore) ListBusinesses(ctx context.Context, jobID string) ([]scrape.Business, error) {
	query := `
SELECT name, phone, address, website, provider, town, industry, enrichment
FROM scrape_businesses
WHERE job_id = $1
ORDER BY created_at, name`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select businesses: %w", err)
	}
	defer rows.Close()

	var out []scrape.Business
	for rows.Next() {
		var b scrape.Business
		var enrichmentJSON []byte
		if err := rows.Scan(
			&b.Name, &b.Phone, &b.Address, &b.Website,
			&b.Provider, &b.Town, &b.Industry, &enrichmentJSON,
		); err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		if len(enrichmentJSON) > 0 {
			if err := json.Unmarshal(enrichmentJSON, &b.Enrichment); err != nil {
				return nil, fmt.Errorf("unmarshal enrichment: %w", err)
			}
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate businesses: %w", err)
	}
	return out, nil
}
