package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/tradestat-ingest/internal/config"
	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	sqlitestore "github.com/JakeFAU/tradestat-ingest/internal/storage/sqlite"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.SQLitePath = filepath.Join(dir, "tradestat.db")
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.Local.BaseDir = filepath.Join(dir, "data")
	cfg.Server.ShutdownTimeout = time.Second
	return &cfg
}

func TestNewAppRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewApp(nil, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestBuildStoreSeedsAndCloses(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	app, err := BuildStore(ctx, cfg)
	require.NoError(t, err)

	n, err := app.Store().Seed(ctx, []string{"01011010", "01012910"})
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one row per code and mode")

	stats, err := app.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Codes)

	_, err = app.RunOnce(ctx)
	require.Error(t, err, "store-only app has no scheduler")
	require.Error(t, app.Run(ctx), "store-only app has no server")

	require.NoError(t, app.Close(ctx))
	require.NoError(t, app.Close(ctx))
}

func TestBuildStoreMemoryDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverMemory
	ctx := context.Background()

	app, err := BuildStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	require.NoError(t, app.Store().Ping(ctx))
	runs, err := app.Runs().ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSetupArtifactsRecordsIndex(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	app, err := NewApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })
	require.NoError(t, setupDatabase(ctx, app))

	artifacts, err := setupArtifacts(ctx, app)
	require.NoError(t, err)

	ref, err := artifacts.Put(ctx, ingest.Artifact{
		Kind:    ingest.KindRaw,
		Mode:    ingest.ModeExport,
		Date:    time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
		Code:    "01011010",
		Payload: map[string]string{"hello": "world"},
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.Storage.Local.BaseDir, ref.Path))

	store, ok := app.index.(*sqlitestore.Store)
	require.True(t, ok)
	refs, err := store.ListArtifacts(ctx, "01011010")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ref.Path, refs[0].Path)
}

func TestSetupProgressRegistersSinks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Progress.EnablePrometheus = false

	app, err := NewApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	emitter := setupProgress(app)
	require.NotNil(t, emitter)
	require.NotNil(t, app.progressHub)
	require.NoError(t, app.Close(context.Background()))
}

func TestSetupPublisherDisabled(t *testing.T) {
	cfg := testConfig(t)

	app, err := NewApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	pub, err := setupPublisher(context.Background(), app)
	require.NoError(t, err)
	assert.Nil(t, pub)
	assert.Nil(t, app.publisher)
}
