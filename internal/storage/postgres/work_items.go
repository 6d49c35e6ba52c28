package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

const (
	seedBatchSize = 500
	itemColumns   = `code, mode, status, error_count, last_error, last_attempt_at, completed_at`
)

// Seed inserts pending export and import rows for each code in batches,
// ignoring rows that already exist. It returns the number of rows created.
func (s *Store) Seed(ctx context.Context, codes []string) (int, error) {
	var keys []ingest.Key
	for _, code := range codes {
		if code == "" {
			continue
		}
		for _, mode := range ingest.Modes() {
			keys = append(keys, ingest.Key{Code: code, Mode: mode})
		}
	}

	total := 0
	for i := 0; i < len(keys); i += seedBatchSize {
		j := min(i+seedBatchSize, len(keys))
		b := &pgx.Batch{}
		for _, k := range keys[i:j] {
			b.Queue(`INSERT INTO work_items (code, mode, status) VALUES ($1, $2, 'pending')
ON CONFLICT (code, mode) DO NOTHING`, k.Code, string(k.Mode))
		}
		br := s.pool.SendBatch(ctx, b)
		for range keys[i:j] {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, fmt.Errorf("seed work items: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("close seed batch: %w", err)
		}
	}
	return total, nil
}

// ListPending returns pending codes for mode in insertion order.
func (s *Store) ListPending(ctx context.Context, mode ingest.Mode) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code FROM work_items WHERE mode = $1 AND status = 'pending' ORDER BY id`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

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
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET status = 'running', last_attempt_at = $1 WHERE code = $2 AND mode = $3`,
		s.now(), code, string(mode))
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return requireRow(tag, "work item "+code+"/"+string(mode))
}

// MarkCompleted records a successful attempt.
func (s *Store) MarkCompleted(ctx context.Context, code string, mode ingest.Mode) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET status = 'completed', completed_at = $1 WHERE code = $2 AND mode = $3`,
		s.now(), code, string(mode))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(tag, "work item "+code+"/"+string(mode))
}

// MarkFailed records a failed attempt and increments error_count.
func (s *Store) MarkFailed(ctx context.Context, code string, mode ingest.Mode, cause string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_items
SET status = 'failed', error_count = error_count + 1, last_error = $1
WHERE code = $2 AND mode = $3`,
		cause, code, string(mode))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireRow(tag, "work item "+code+"/"+string(mode))
}

// ResetStaleRunning moves running rows back to pending.
func (s *Store) ResetStaleRunning(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE work_items SET status = 'pending' WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("reset stale running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueFailed moves failed rows with error_count below maxErrors back to
// pending. A non-positive maxErrors requeues every failed row.
func (s *Store) RequeueFailed(ctx context.Context, maxErrors int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_items SET status = 'pending'
WHERE status = 'failed' AND ($1 <= 0 OR error_count < $1)`, maxErrors)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns both mode rows for code.
func (s *Store) Get(ctx context.Context, code string) ([]ingest.WorkItem, error) {
	items, err := s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE code = $1 ORDER BY mode`, code)
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
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Mode != "" {
		add("mode = $%d", string(filter.Mode))
	}
	if filter.MinErrors > 0 {
		add("error_count >= $%d", filter.MinErrors)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY code, mode`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryItems(ctx, query, args...)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]ingest.WorkItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()

	items := make([]ingest.WorkItem, 0)
	for rows.Next() {
		var (
			item         ingest.WorkItem
			mode, status string
		)
		if err := rows.Scan(&item.Code, &mode, &status, &item.ErrorCount, &item.LastError,
			&item.LastAttemptAt, &item.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		item.Mode = ingest.Mode(mode)
		item.Status = ingest.Status(status)
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
	rows, err := s.pool.Query(ctx,
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
			rows.Close()
			return st, fmt.Errorf("scan stats: %w", err)
		}
		if bucket, ok := st.ByMode[ingest.Mode(mode)]; ok {
			bucket[ingest.Status(status)] = n
		}
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate stats: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `
SELECT COUNT(*), COUNT(*) FILTER (WHERE done) FROM (
    SELECT code, bool_and(status = 'completed') AS done FROM work_items GROUP BY code
) AS per_code`).Scan(&st.Codes, &st.CodesDone); err != nil {
		return st, fmt.Errorf("count codes: %w", err)
	}
	return st, nil
}
