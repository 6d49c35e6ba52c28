package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/progress"
	"github.com/JakeFAU/tradestat-ingest/internal/retry"
	"github.com/JakeFAU/tradestat-ingest/internal/storage/memory"
)

func TestProcessPersistsAndMarksBothModes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, succeed(3))
	h.seed(t, "84713010")

	report, err := h.worker.Process(t.Context(), "84713010")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed())
	assert.Zero(t, report.Failed())

	items := h.status(t, "84713010")
	for _, mode := range ingest.Modes() {
		assert.Equal(t, ingest.StatusCompleted, items[mode].Status, mode)
		require.NotNil(t, items[mode].CompletedAt)
	}

	assert.Equal(t, []string{
		"data/normalized/export/2025-06-01/HS_84713010.json",
		"data/normalized/import/2025-06-01/HS_84713010.json",
		"data/processed/export/2025-06-01/HS_84713010.json",
		"data/processed/import/2025-06-01/HS_84713010.json",
		"data/raw/export/2025-06-01/HS_84713010.json",
		"data/raw/import/2025-06-01/HS_84713010.json",
	}, h.blobs.Paths())

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, "tradestat-artifacts", msg.topic)
		notice, ok := msg.payload.(Notice)
		require.True(t, ok)
		assert.Equal(t, 3, notice.Rows)
		assert.Len(t, notice.Artifacts, 3)
		assert.Equal(t, "rec-1", notice.RecordID)
	}
}

func TestProcessOneModeFailureDoesNotBlockOther(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, code string, mode ingest.Mode, _ int) (ingest.ScrapeResult, error) {
		if mode == ingest.ModeImport {
			return ingest.ScrapeResult{Status: ingest.ResultFailure},
				retry.Permanent(fmt.Errorf("missing result table: %w", ingest.ErrSchema))
		}
		return result(code, mode, 2), nil
	})
	h.seed(t, "01012100")

	report, err := h.worker.Process(t.Context(), "01012100")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed())
	assert.Equal(t, 1, report.Failed())

	items := h.status(t, "01012100")
	assert.Equal(t, ingest.StatusCompleted, items[ingest.ModeExport].Status)
	assert.Equal(t, ingest.StatusFailed, items[ingest.ModeImport].Status)
	assert.Equal(t, 1, items[ingest.ModeImport].ErrorCount)
	assert.Contains(t, items[ingest.ModeImport].LastError, "missing result table")
	assert.Equal(t, 1, h.scraper.attempts("01012100", ingest.ModeImport))
	assert.Len(t, h.publisher.Messages(), 1)
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, code string, mode ingest.Mode, attempt int) (ingest.ScrapeResult, error) {
		if attempt < 3 {
			return ingest.ScrapeResult{}, errors.New("connection reset")
		}
		return result(code, mode, 1), nil
	})
	h.seed(t, "02011000")

	report, err := h.worker.Process(t.Context(), "02011000", ingest.ModeExport)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, 3, report.Outcomes[0].Attempts)
	assert.Equal(t, ingest.StatusCompleted, report.Outcomes[0].Status)

	items := h.status(t, "02011000")
	assert.Equal(t, ingest.StatusCompleted, items[ingest.ModeExport].Status)
	assert.Equal(t, ingest.StatusPending, items[ingest.ModeImport].Status)
}

func TestProcessExhaustedRetriesMarkFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, string, ingest.Mode, int) (ingest.ScrapeResult, error) {
		return ingest.ScrapeResult{}, fmt.Errorf("acquire page: %w", ingest.ErrPoolExhausted)
	})
	h.seed(t, "03021100")

	report, err := h.worker.Process(t.Context(), "03021100", ingest.ModeImport)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, 3, report.Outcomes[0].Attempts)
	assert.ErrorIs(t, report.Outcomes[0].Err, ingest.ErrPoolExhausted)

	items := h.status(t, "03021100")
	assert.Equal(t, ingest.StatusFailed, items[ingest.ModeImport].Status)
	assert.Equal(t, 1, items[ingest.ModeImport].ErrorCount)
}

func TestProcessRunsModesConcurrently(t *testing.T) {
	t.Parallel()

	entered := make(chan ingest.Mode, 2)
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, code string, mode ingest.Mode, _ int) (ingest.ScrapeResult, error) {
		entered <- mode
		select {
		case <-release:
		case <-ctx.Done():
			return ingest.ScrapeResult{}, ctx.Err()
		}
		return result(code, mode, 1), nil
	})
	h.seed(t, "84713010")

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.Process(t.Context(), "84713010")
		done <- err
	}()

	seen := map[ingest.Mode]bool{}
	for range 2 {
		select {
		case mode := <-entered:
			seen[mode] = true
		case <-time.After(time.Second):
			t.Fatal("modes did not overlap")
		}
	}
	assert.True(t, seen[ingest.ModeExport] && seen[ingest.ModeImport])
	close(release)
	require.NoError(t, <-done)
}

func TestProcessCanceledLeavesModesRunning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	h := newHarness(t, func(ctx context.Context, _ string, _ ingest.Mode, _ int) (ingest.ScrapeResult, error) {
		cancel()
		<-ctx.Done()
		return ingest.ScrapeResult{}, ctx.Err()
	})
	h.seed(t, "84713010")

	_, err := h.worker.Process(ctx, "84713010")
	require.ErrorIs(t, err, context.Canceled)

	items := h.status(t, "84713010")
	for _, mode := range ingest.Modes() {
		assert.Equal(t, ingest.StatusRunning, items[mode].Status, mode)
		assert.Zero(t, items[mode].ErrorCount)
	}
	assert.Empty(t, h.blobs.Paths())
}

func TestProcessCanceledDuringPersistLeavesModesRunning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	h := newWiredHarness(t, succeed(2), wiring{
		artifacts: func(ingest.ArtifactStore) ingest.ArtifactStore {
			return &cancelingArtifacts{cancel: cancel}
		},
	})
	h.seed(t, "84713010")

	report, err := h.worker.Process(ctx, "84713010")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Failed())
	assert.Zero(t, report.Completed())

	items := h.status(t, "84713010")
	for _, mode := range ingest.Modes() {
		assert.Equal(t, ingest.StatusRunning, items[mode].Status, mode)
		assert.Zero(t, items[mode].ErrorCount, mode)
		assert.Empty(t, items[mode].LastError, mode)
	}
	assert.Empty(t, h.publisher.Messages())
	assert.NotContains(t, h.events.stages(), progress.StageModeFailed)
}

func TestProcessMarkRunningFailureReleasesStartedModes(t *testing.T) {
	t.Parallel()

	h := newWiredHarness(t, succeed(1), wiring{
		store: func(s *memory.WorkItemStore) ingest.WorkItemStore {
			return &flakyStore{WorkItemStore: s, failMode: ingest.ModeImport}
		},
	})
	h.seed(t, "84713010")

	report, err := h.worker.Process(t.Context(), "84713010")
	require.ErrorContains(t, err, "mark 84713010/import running: db blip")
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Pending())
	assert.Zero(t, h.scraper.attempts("84713010", ingest.ModeExport))

	items := h.status(t, "84713010")
	assert.Equal(t, ingest.StatusFailed, items[ingest.ModeExport].Status)
	assert.Contains(t, items[ingest.ModeExport].LastError, "db blip")
	assert.Equal(t, ingest.StatusPending, items[ingest.ModeImport].Status)
	assert.Zero(t, items[ingest.ModeImport].ErrorCount)
}

func TestProcessPublishFailureMarksModeFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, succeed(1), WithPublisher(failingPublisher{}))
	h.seed(t, "84713010")

	report, err := h.worker.Process(t.Context(), "84713010", ingest.ModeExport)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())

	items := h.status(t, "84713010")
	assert.Equal(t, ingest.StatusFailed, items[ingest.ModeExport].Status)
	assert.Contains(t, items[ingest.ModeExport].LastError, "publish notice")
}

func TestProcessZeroRowsIsCompleted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, succeed(0))
	h.seed(t, "99999999")

	report, err := h.worker.Process(t.Context(), "99999999")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed())
	for _, out := range report.Outcomes {
		assert.Equal(t, ingest.ResultSuccess, out.Result)
		assert.Zero(t, out.Records)
	}
}

func TestProcessInvariantViolationIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, code string, mode ingest.Mode, _ int) (ingest.ScrapeResult, error) {
		if mode == ingest.ModeExport {
			return ingest.ScrapeResult{}, retry.Permanent(fmt.Errorf("release page: %w", ingest.ErrInvariant))
		}
		return result(code, mode, 1), nil
	})
	h.seed(t, "84713010")

	report, err := h.worker.Process(t.Context(), "84713010")
	require.ErrorIs(t, err, ingest.ErrInvariant)
	assert.Equal(t, 1, report.Completed())
	assert.Equal(t, 1, report.Failed())

	items := h.status(t, "84713010")
	assert.Equal(t, ingest.StatusFailed, items[ingest.ModeExport].Status)
	assert.Equal(t, ingest.StatusCompleted, items[ingest.ModeImport].Status)
}

func TestProcessUnknownItemFailsFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, succeed(1))

	_, err := h.worker.Process(t.Context(), "12345678")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	assert.Zero(t, h.scraper.attempts("12345678", ingest.ModeExport))
}

func TestProcessEmitsProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, code string, mode ingest.Mode, _ int) (ingest.ScrapeResult, error) {
		if mode == ingest.ModeImport {
			return ingest.ScrapeResult{}, retry.Permanent(errors.New("bad code"))
		}
		return result(code, mode, 1), nil
	})
	h.seed(t, "84713010")

	ctx := progress.WithRunID(t.Context(), "run-1")
	_, err := h.worker.Process(ctx, "84713010")
	require.NoError(t, err)

	stages := h.events.stages()
	require.Len(t, stages, 4)
	assert.Equal(t, progress.StageItemStart, stages[0])
	assert.ElementsMatch(t, []progress.Stage{progress.StageModeDone, progress.StageModeFailed}, stages[1:3])
	assert.Equal(t, progress.StageItemDone, stages[3])
	for _, evt := range h.events.events {
		assert.Equal(t, "run-1", evt.RunID)
		require.NoError(t, evt.Validate())
	}
}
