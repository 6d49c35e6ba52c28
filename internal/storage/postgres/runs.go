package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, run ingest.Run) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO runs (id, started_at, finished_at, status, attempted, completed, failed, deferred, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.StartedAt, run.FinishedAt, string(run.Status),
		run.Summary.Attempted, run.Summary.Completed, run.Summary.Failed, run.Summary.Deferred, run.Error)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the final state of a run.
func (s *Store) FinishRun(ctx context.Context, run ingest.Run) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE runs
SET finished_at = $1, status = $2, attempted = $3, completed = $4, failed = $5, deferred = $6, error = $7
WHERE id = $8`,
		run.FinishedAt, string(run.Status),
		run.Summary.Attempted, run.Summary.Completed, run.Summary.Failed, run.Summary.Deferred,
		run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return requireRow(tag, "run "+run.ID)
}

// ListRuns returns the newest runs first. A non-positive limit returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]ingest.Run, error) {
	query := `
SELECT id, started_at, finished_at, status, attempted, completed, failed, deferred, error
FROM runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]ingest.Run, 0)
	for rows.Next() {
		var (
			run    ingest.Run
			status string
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status,
			&run.Summary.Attempted, &run.Summary.Completed, &run.Summary.Failed, &run.Summary.Deferred,
			&run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = ingest.RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
