package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart},
		{
			RunID:    "run-1",
			TS:       now.Add(10 * time.Second),
			Stage:    progress.StageModeDone,
			Code:     "01011010",
			Mode:     ingest.ModeExport,
			Attempts: 2,
			Records:  17,
			Dur:      8 * time.Second,
		},
		{
			RunID: "run-1",
			TS:    now.Add(11 * time.Second),
			Stage: progress.StageModeFailed,
			Code:  "01011010",
			Mode:  ingest.ModeImport,
		},
		{RunID: "run-1", TS: now.Add(12 * time.Second), Stage: progress.StageChunkDone, Count: 1},
		{RunID: "run-1", TS: now.Add(15 * time.Second), Stage: progress.StageRunDone, Status: "ok", Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("ok")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.modeOutcomes.WithLabelValues("export", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.modeOutcomes.WithLabelValues("import", "failed")))
	require.InDelta(t, 17.0, testutil.ToFloat64(sink.partnerRows.WithLabelValues("export")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.chunks))
	require.Equal(t, 1, testutil.CollectAndCount(sink.modeAttempts, "tradestat_mode_attempts"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart},
		{TS: now, Stage: progress.StageModeFailed, Code: "01011010", Mode: ingest.ModeImport, Note: "boom"},
		{TS: now, Stage: progress.StageItemStart, Code: "01011010"},
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["note"])
	require.Equal(t, zap.DebugLevel, entries[2].Level)
}
