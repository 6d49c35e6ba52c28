package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/storage/storetest"
)

func openTestStore(t *testing.T, clock ingest.Clock) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "ingest.db")}, clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock ingest.Clock) storetest.Store {
		return openTestStore(t, clock)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{Path: "  "}, nil)
	require.Error(t, err)
}

func TestOpenIsRepeatable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ingest.db")

	first, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	_, err = first.Seed(ctx, []string{"01011010"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	items, err := second.Get(ctx, "01011010")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	var applied int
	require.NoError(t, second.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestRecordArtifactUpserts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	written := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	ref := ingest.ArtifactRef{
		Kind:        ingest.KindRaw,
		Mode:        ingest.ModeExport,
		Code:        "01011010",
		Date:        "2025-06-01",
		Path:        "tradestat/raw/export/2025-06-01/HS_01011010.json",
		URI:         "memory://tradestat/raw/export/2025-06-01/HS_01011010.json",
		ContentHash: "abc",
		Size:        10,
		WrittenAt:   written,
	}
	require.NoError(t, store.RecordArtifact(ctx, ref))
	ref.ContentHash = "def"
	ref.Size = 12
	require.NoError(t, store.RecordArtifact(ctx, ref))

	refs, err := store.ListArtifacts(ctx, "01011010")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "def", refs[0].ContentHash)
	assert.Equal(t, 12, refs[0].Size)
	assert.True(t, refs[0].WrittenAt.Equal(written))
}

func TestUpSection(t *testing.T) {
	body := "-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (x INT);\n", upSection(body))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}
