package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// RecordArtifact upserts the location of an artifact so a rerun on the same
// day points at the latest write.
func (s *Store) RecordArtifact(ctx context.Context, ref ingest.ArtifactRef) error {
	if ref.Code == "" || ref.Date == "" {
		return fmt.Errorf("artifact code and date are required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO artifacts (kind, mode, code, date, path, uri, content_hash, size_bytes, written_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (kind, mode, code, date) DO UPDATE SET
    path = EXCLUDED.path,
    uri = EXCLUDED.uri,
    content_hash = EXCLUDED.content_hash,
    size_bytes = EXCLUDED.size_bytes,
    written_at = EXCLUDED.written_at`,
		string(ref.Kind), string(ref.Mode), ref.Code, ref.Date, ref.Path, ref.URI,
		ref.ContentHash, ref.Size, ref.WrittenAt)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the indexed artifacts for code, oldest date first.
func (s *Store) ListArtifacts(ctx context.Context, code string) ([]ingest.ArtifactRef, error) {
	rows, err := s.pool.Query(ctx, `
SELECT kind, mode, code, to_char(date, 'YYYY-MM-DD'), path, uri, content_hash, size_bytes, written_at
FROM artifacts WHERE code = $1 ORDER BY date, mode, kind`, code)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	refs := make([]ingest.ArtifactRef, 0)
	for rows.Next() {
		var (
			ref        ingest.ArtifactRef
			kind, mode string
		)
		if err := rows.Scan(&kind, &mode, &ref.Code, &ref.Date, &ref.Path, &ref.URI,
			&ref.ContentHash, &ref.Size, &ref.WrittenAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		ref.Kind = ingest.ArtifactKind(kind)
		ref.Mode = ingest.Mode(mode)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return refs, nil
}
