package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, run ingest.Run) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, started_at, finished_at, status, attempted, completed, failed, deferred, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().UnixMilli(), toMillis(run.FinishedAt), string(run.Status),
		run.Summary.Attempted, run.Summary.Completed, run.Summary.Failed, run.Summary.Deferred, run.Error)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the final state of a run.
func (s *Store) FinishRun(ctx context.Context, run ingest.Run) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET finished_at = ?, status = ?, attempted = ?, completed = ?, failed = ?, deferred = ?, error = ?
WHERE id = ?`,
		toMillis(run.FinishedAt), string(run.Status),
		run.Summary.Attempted, run.Summary.Completed, run.Summary.Failed, run.Summary.Deferred,
		run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return notFound(res, "run "+run.ID)
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]ingest.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, finished_at, status, attempted, completed, failed, deferred, error
FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]ingest.Run, 0)
	for rows.Next() {
		var (
			run      ingest.Run
			started  int64
			finished sql.NullInt64
			status   string
		)
		if err := rows.Scan(&run.ID, &started, &finished, &status,
			&run.Summary.Attempted, &run.Summary.Completed, &run.Summary.Failed, &run.Summary.Deferred,
			&run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = time.UnixMilli(started).UTC()
		run.FinishedAt = fromMillis(finished)
		run.Status = ingest.RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// RecordArtifact upserts the location of an artifact.
func (s *Store) RecordArtifact(ctx context.Context, ref ingest.ArtifactRef) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO artifacts (kind, mode, code, date, path, uri, content_hash, size_bytes, written_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (kind, mode, code, date) DO UPDATE SET
    path = excluded.path,
    uri = excluded.uri,
    content_hash = excluded.content_hash,
    size_bytes = excluded.size_bytes,
    written_at = excluded.written_at`,
		string(ref.Kind), string(ref.Mode), ref.Code, ref.Date, ref.Path, ref.URI,
		ref.ContentHash, ref.Size, ref.WrittenAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the indexed artifacts for code, oldest date first.
func (s *Store) ListArtifacts(ctx context.Context, code string) ([]ingest.ArtifactRef, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, mode, code, date, path, uri, content_hash, size_bytes, written_at
FROM artifacts WHERE code = ? ORDER BY date, mode, kind`, code)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	refs := make([]ingest.ArtifactRef, 0)
	for rows.Next() {
		var (
			ref        ingest.ArtifactRef
			kind, mode string
			written    int64
		)
		if err := rows.Scan(&kind, &mode, &ref.Code, &ref.Date, &ref.Path, &ref.URI,
			&ref.ContentHash, &ref.Size, &written); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		ref.Kind = ingest.ArtifactKind(kind)
		ref.Mode = ingest.Mode(mode)
		ref.WrittenAt = time.UnixMilli(written).UTC()
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return refs, nil
}
