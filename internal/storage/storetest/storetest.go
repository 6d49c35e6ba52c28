// Package storetest holds behaviour checks shared by every WorkItemStore
// backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Store is the full surface a backend exposes.
type Store interface {
	ingest.WorkItemStore
	ingest.RunStore
}

// Clock is a settable clock for deterministic timestamps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock frozen at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty store wired to clock.
type Factory func(t *testing.T, clock ingest.Clock) Store

// Run exercises newStore against the shared WorkItemStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	start := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)

	t.Run("SeedIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, NewClock(start))
		n, err := store.Seed(ctx, []string{"01011010", "02011000"})
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		require.NoError(t, store.MarkRunning(ctx, "01011010", ingest.ModeExport))
		require.NoError(t, store.MarkCompleted(ctx, "01011010", ingest.ModeExport))

		n, err = store.Seed(ctx, []string{"01011010", "03011100"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		items, err := store.Get(ctx, "01011010")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, ingest.StatusCompleted, items[0].Status, "seed must not reset existing rows")

		pending, err := store.ListPending(ctx, ingest.ModeExport)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"02011000", "03011100"}, pending)
		pending, err = store.ListPending(ctx, ingest.ModeImport)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"01011010", "02011000", "03011100"}, pending)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock(start)
		store := newStore(t, clock)
		_, err := store.Seed(ctx, []string{"01011010"})
		require.NoError(t, err)

		require.NoError(t, store.MarkRunning(ctx, "01011010", ingest.ModeExport))
		require.NoError(t, store.MarkRunning(ctx, "01011010", ingest.ModeImport))
		clock.Advance(time.Minute)
		require.NoError(t, store.MarkCompleted(ctx, "01011010", ingest.ModeExport))
		require.NoError(t, store.MarkFailed(ctx, "01011010", ingest.ModeImport, "schema: no table"))

		items, err := store.Get(ctx, "01011010")
		require.NoError(t, err)
		require.Len(t, items, 2)
		exp, imp := items[0], items[1]
		assert.Equal(t, ingest.ModeExport, exp.Mode)
		assert.Equal(t, ingest.StatusCompleted, exp.Status)
		require.NotNil(t, exp.LastAttemptAt)
		require.NotNil(t, exp.CompletedAt)
		assert.True(t, exp.LastAttemptAt.Equal(start))
		assert.True(t, exp.CompletedAt.Equal(start.Add(time.Minute)))

		assert.Equal(t, ingest.ModeImport, imp.Mode)
		assert.Equal(t, ingest.StatusFailed, imp.Status)
		assert.Equal(t, 1, imp.ErrorCount)
		assert.Equal(t, "schema: no table", imp.LastError)
		assert.Nil(t, imp.CompletedAt)

		require.NoError(t, store.MarkRunning(ctx, "01011010", ingest.ModeImport))
		require.NoError(t, store.MarkFailed(ctx, "01011010", ingest.ModeImport, "timeout"))
		items, err = store.Get(ctx, "01011010")
		require.NoError(t, err)
		assert.Equal(t, 2, items[1].ErrorCount)
		assert.Equal(t, "timeout", items[1].LastError)
	})

	t.Run("UnknownItem", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, NewClock(start))
		err := store.MarkRunning(ctx, "99999999", ingest.ModeExport)
		assert.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)
		_, err = store.Get(ctx, "99999999")
		assert.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)
	})

	t.Run("ResetStaleRunning", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, NewClock(start))
		_, err := store.Seed(ctx, []string{"01011010", "02011000"})
		require.NoError(t, err)
		require.NoError(t, store.MarkRunning(ctx, "01011010", ingest.ModeExport))
		require.NoError(t, store.MarkRunning(ctx, "02011000", ingest.ModeImport))
		require.NoError(t, store.MarkCompleted(ctx, "02011000", ingest.ModeImport))

		n, err := store.ResetStaleRunning(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		pending, err := store.ListPending(ctx, ingest.ModeExport)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"01011010", "02011000"}, pending)
		pending, err = store.ListPending(ctx, ingest.ModeImport)
		require.NoError(t, err)
		assert.Equal(t, []string{"01011010"}, pending)
	})

	t.Run("RequeueFailedHonoursCeiling", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, NewClock(start))
		_, err := store.Seed(ctx, []string{"01011010", "02011000"})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, store.MarkFailed(ctx, "01011010", ingest.ModeExport, "boom"))
		}
		require.NoError(t, store.MarkFailed(ctx, "02011000", ingest.ModeExport, "boom"))

		n, err := store.RequeueFailed(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		failed, err := store.List(ctx, ingest.ItemFilter{Status: ingest.StatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "01011010", failed[0].Code)
		assert.Equal(t, 3, failed[0].ErrorCount)

		n, err = store.RequeueFailed(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("ListAndStats", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, NewClock(start))
		_, err := store.Seed(ctx, []string{"02011000", "01011010", "03011100"})
		require.NoError(t, err)
		for _, mode := range ingest.Modes() {
			require.NoError(t, store.MarkCompleted(ctx, "01011010", mode))
		}
		require.NoError(t, store.MarkCompleted(ctx, "02011000", ingest.ModeExport))
		require.NoError(t, store.MarkFailed(ctx, "02011000", ingest.ModeImport, "a"))
		require.NoError(t, store.MarkFailed(ctx, "03011100", ingest.ModeImport, "b"))
		require.NoError(t, store.MarkFailed(ctx, "03011100", ingest.ModeImport, "c"))

		items, err := store.List(ctx, ingest.ItemFilter{})
		require.NoError(t, err)
		require.Len(t, items, 6)
		assert.Equal(t, "01011010", items[0].Code)
		assert.Equal(t, ingest.ModeExport, items[0].Mode)
		assert.Equal(t, ingest.ModeImport, items[1].Mode)

		heavy, err := store.List(ctx, ingest.ItemFilter{Status: ingest.StatusFailed, MinErrors: 2})
		require.NoError(t, err)
		require.Len(t, heavy, 1)
		assert.Equal(t, "03011100", heavy[0].Code)

		limited, err := store.List(ctx, ingest.ItemFilter{Mode: ingest.ModeImport, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		st, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, st.Total)
		assert.Equal(t, 3, st.Codes)
		assert.Equal(t, 1, st.CodesDone)
		assert.Equal(t, 2, st.ByMode[ingest.ModeExport][ingest.StatusCompleted])
		assert.Equal(t, 1, st.ByMode[ingest.ModeExport][ingest.StatusPending])
		assert.Equal(t, 2, st.ByMode[ingest.ModeImport][ingest.StatusFailed])
		assert.Equal(t, 0, st.ByMode[ingest.ModeImport][ingest.StatusRunning])
		require.NoError(t, store.Ping(ctx))
	})

	t.Run("ConcurrentDistinctKeys", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, NewClock(start))
		codes := []string{"01011010", "02011000", "03011100", "04011000", "05011000"}
		_, err := store.Seed(ctx, codes)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, code := range codes {
			for _, mode := range ingest.Modes() {
				wg.Add(1)
				go func(code string, mode ingest.Mode) {
					defer wg.Done()
					assert.NoError(t, store.MarkRunning(ctx, code, mode))
					assert.NoError(t, store.MarkCompleted(ctx, code, mode))
				}(code, mode)
			}
		}
		wg.Wait()

		st, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(codes), st.CodesDone)
	})

	t.Run("Runs", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, NewClock(start))
		first := ingest.Run{ID: "run-1", StartedAt: start, Status: ingest.RunActive}
		second := ingest.Run{ID: "run-2", StartedAt: start.Add(time.Hour), Status: ingest.RunActive}
		require.NoError(t, store.StartRun(ctx, first))
		require.NoError(t, store.StartRun(ctx, second))

		finished := start.Add(10 * time.Minute)
		first.FinishedAt = &finished
		first.Status = ingest.RunOK
		first.Summary = ingest.Summary{Attempted: 3, Completed: 2, Failed: 1}
		require.NoError(t, store.FinishRun(ctx, first))

		err := store.FinishRun(ctx, ingest.Run{ID: "missing"})
		assert.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)

		runs, err := store.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].ID)
		assert.Equal(t, ingest.RunOK, runs[1].Status)
		assert.Equal(t, 2, runs[1].Summary.Completed)
		require.NotNil(t, runs[1].FinishedAt)
		assert.True(t, runs[1].FinishedAt.Equal(finished))

		runs, err = store.ListRuns(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}
