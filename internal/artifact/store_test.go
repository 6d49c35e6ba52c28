package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tradestat-ingest/internal/hash/sha256"
	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingIndex struct {
	mu   sync.Mutex
	refs []ingest.ArtifactRef
	err  error
}

func (r *recordingIndex) RecordArtifact(_ context.Context, ref ingest.ArtifactRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.refs = append(r.refs, ref)
	return nil
}

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestPathUsesConfiguredZone(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 31, 20, 0, 0, 0, time.UTC) // 01:30 on June 1st in Kolkata
	store, err := New(memory.NewBlobStore(), sha256.New(), fixedClock{now}, Config{
		Prefix:   "/tradestat/",
		Location: kolkata(t),
	})
	require.NoError(t, err)

	got := store.Path(ingest.KindRaw, ingest.ModeExport, now, "01011010")
	assert.Equal(t, "tradestat/raw/export/2025-06-01/HS_01011010.json", got)
}

func TestPutWritesAndIndexes(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	idx := &recordingIndex{}
	now := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	store, err := New(blobs, sha256.New(), fixedClock{now}, Config{Prefix: "tradestat"}, WithIndex(idx))
	require.NoError(t, err)

	payload := map[string]any{"code": "01011010", "partners": 3}
	ref, err := store.Put(context.Background(), ingest.Artifact{
		Kind:    ingest.KindNormalized,
		Mode:    ingest.ModeImport,
		Code:    "01011010",
		Payload: payload,
	})
	require.NoError(t, err)

	assert.Equal(t, "tradestat/normalized/import/2025-06-01/HS_01011010.json", ref.Path)
	assert.Equal(t, "memory://"+ref.Path, ref.URI)
	assert.Equal(t, "2025-06-01", ref.Date)
	assert.Len(t, ref.ContentHash, 64)

	data, ok := blobs.Get(ref.Path)
	require.True(t, ok)
	assert.Equal(t, len(data), ref.Size)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "01011010", decoded["code"])

	require.Len(t, idx.refs, 1)
	assert.Equal(t, ref, idx.refs[0])
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	now := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	store, err := New(blobs, sha256.New(), fixedClock{now}, Config{})
	require.NoError(t, err)

	a := ingest.Artifact{Kind: ingest.KindRaw, Mode: ingest.ModeExport, Code: "01011010", Date: now, Payload: []int{1, 2}}
	first, err := store.Put(context.Background(), a)
	require.NoError(t, err)
	second, err := store.Put(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Len(t, blobs.Paths(), 1)
}

func TestPutRejectsBadInput(t *testing.T) {
	t.Parallel()
	store, err := New(memory.NewBlobStore(), sha256.New(), fixedClock{time.Now()}, Config{})
	require.NoError(t, err)

	_, err = store.Put(context.Background(), ingest.Artifact{Kind: ingest.KindRaw})
	require.Error(t, err)
	_, err = store.Put(context.Background(), ingest.Artifact{Kind: "thumbnail", Code: "01011010"})
	require.Error(t, err)
	_, err = store.Put(context.Background(), ingest.Artifact{
		Kind: ingest.KindRaw, Code: "01011010", Payload: make(chan int),
	})
	require.ErrorContains(t, err, "encode raw artifact")
}

func TestPutSurfacesIndexError(t *testing.T) {
	t.Parallel()
	idx := &recordingIndex{err: errors.New("db down")}
	store, err := New(memory.NewBlobStore(), sha256.New(), fixedClock{time.Now()}, Config{}, WithIndex(idx))
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), ingest.Artifact{Kind: ingest.KindRaw, Code: "01011010", Payload: 1})
	require.ErrorContains(t, err, "db down")
	assert.NotEmpty(t, ref.URI, "blob was written before the index failed")
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(nil, sha256.New(), fixedClock{}, Config{})
	require.Error(t, err)
	_, err = New(memory.NewBlobStore(), nil, fixedClock{}, Config{})
	require.Error(t, err)
	_, err = New(memory.NewBlobStore(), sha256.New(), nil, Config{})
	require.Error(t, err)
}
