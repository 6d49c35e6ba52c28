package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

const itemColumns = `code, mode, status, error_count, last_error, last_attempt_at, completed_at`

// Seed inserts pending export and import rows for each code, ignoring rows
// that already exist. It returns the number of rows created.
func (s *Store) Seed(ctx context.Context, codes []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO work_items (code, mode, status) VALUES (?, ?, 'pending')
ON CONFLICT (code, mode) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prepare seed: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	created := 0
	for _, code := range codes {
		if code == "" {
			continue
		}
		for _, mode := range ingest.Modes() {
			res, err := stmt.ExecContext(ctx, code, string(mode))
			if err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("seed %s/%s: %w", code, mode, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("rows affected: %w", err)
			}
			created += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return created, nil
}

// ListPending returns pending codes for mode in insertion order.
func (s *Store) ListPending(ctx context.Context, mode ingest.Mode) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code FROM work_items WHERE mode = ? AND status = 'pending' ORDER BY id`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return codes, nil
}

// MarkRunning records the start of an attempt.
func (s *Store) MarkRunning(ctx context.Context, code string, mode ingest.Mode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = 'running', last_attempt_at = ? WHERE code = ? AND mode = ?`,
		s.now().UTC().UnixMilli(), code, string(mode))
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return notFound(res, "work item "+code+"/"+string(mode))
}

// MarkCompleted records a successful attempt.
func (s *Store) MarkCompleted(ctx context.Context, code string, mode ingest.Mode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = 'completed', completed_at = ? WHERE code = ? AND mode = ?`,
		s.now().UTC().UnixMilli(), code, string(mode))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return notFound(res, "work item "+code+"/"+string(mode))
}

// MarkFailed records a failed attempt and increments error_count.
func (s *Store) MarkFailed(ctx context.Context, code string, mode ingest.Mode, cause string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE work_items
SET status = 'failed', error_count = error_count + 1, last_error = ?
WHERE code = ? AND mode = ?`,
		cause, code, string(mode))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return notFound(res, "work item "+code+"/"+string(mode))
}

// ResetStaleRunning moves running rows back to pending.
func (s *Store) ResetStaleRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE work_items SET status = 'pending' WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("reset stale running: %w", err)
	}
	return affected(res)
}

// RequeueFailed moves failed rows with error_count below maxErrors back to
// pending. A non-positive maxErrors requeues every failed row.
func (s *Store) RequeueFailed(ctx context.Context, maxErrors int) (int, error) {
	query := `UPDATE work_items SET status = 'pending' WHERE status = 'failed'`
	args := []any{}
	if maxErrors > 0 {
		query += ` AND error_count < ?`
		args = append(args, maxErrors)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return affected(res)
}

// Get returns both mode rows for code.
func (s *Store) Get(ctx context.Context, code string) ([]ingest.WorkItem, error) {
	items, err := s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE code = ? ORDER BY mode`, code)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("code %s: %w", code, ingest.ErrNotFound)
	}
	return items, nil
}

// List returns rows matching filter ordered by code then mode.
func (s *Store) List(ctx context.Context, filter ingest.ItemFilter) ([]ingest.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, string(filter.Mode))
	}
	if filter.MinErrors > 0 {
		where = append(where, "error_count >= ?")
		args = append(args, filter.MinErrors)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY code, mode`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryItems(ctx, query, args...)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]ingest.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]ingest.WorkItem, 0)
	for rows.Next() {
		var (
			item              ingest.WorkItem
			mode, status      string
			attempt, complete sql.NullInt64
		)
		if err := rows.Scan(&item.Code, &mode, &status, &item.ErrorCount, &item.LastError, &attempt, &complete); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		item.Mode = ingest.Mode(mode)
		item.Status = ingest.Status(status)
		item.LastAttemptAt = fromMillis(attempt)
		item.CompletedAt = fromMillis(complete)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return items, nil
}

// Stats aggregates counts per mode and status.
func (s *Store) Stats(ctx context.Context) (ingest.Stats, error) {
	st := ingest.NewStats()
	rows, err := s.db.QueryContext(ctx,
		`SELECT mode, status, COUNT(*) FROM work_items GROUP BY mode, status`)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	for rows.Next() {
		var (
			mode, status string
			n            int
		)
		if err := rows.Scan(&mode, &status, &n); err != nil {
			_ = rows.Close()
			return st, fmt.Errorf("scan stats: %w", err)
		}
		if bucket, ok := st.ByMode[ingest.Mode(mode)]; ok {
			bucket[ingest.Status(status)] = n
		}
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return st, fmt.Errorf("iterate stats: %w", err)
	}
	_ = rows.Close()

	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(done), 0) FROM (
    SELECT code, CASE WHEN SUM(status = 'completed') = COUNT(*) THEN 1 ELSE 0 END AS done
    FROM work_items GROUP BY code
)`).Scan(&st.Codes, &st.CodesDone); err != nil {
		return st, fmt.Errorf("count codes: %w", err)
	}
	return st, nil
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
