package throttle

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type grantLog struct {
	mu     sync.Mutex
	grants []Grant
}

func (g *grantLog) record(gr Grant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = append(g.grants, gr)
}

func (g *grantLog) times(key string) []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []time.Time
	for _, gr := range g.grants {
		if gr.Key == key {
			out = append(out, gr.At)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func TestWaitSpacesConsecutiveGrantsPerKey(t *testing.T) {
	t.Parallel()

	log := &grantLog{}
	th := New(Config{MinDelay: 20 * time.Millisecond, MaxDelay: 30 * time.Millisecond}, WithOnGrant(log.record))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, th.Wait(context.Background(), "site"))
		}()
	}
	wg.Wait()

	times := log.times("site")
	require.Len(t, times, 4)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 20*time.Millisecond)
	}
}

func TestWaitKeysAreIndependent(t *testing.T) {
	t.Parallel()

	th := New(Config{MinDelay: 200 * time.Millisecond, MaxDelay: 200 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, th.Wait(ctx, "a"))

	start := time.Now()
	require.NoError(t, th.Wait(ctx, "b"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	th := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour})
	require.NoError(t, th.Wait(context.Background(), "site"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := th.Wait(ctx, "site")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPenalizeDelaysNextGrant(t *testing.T) {
	t.Parallel()

	var penalties []time.Duration
	th := New(Config{}, WithOnPenalty(func(key string, d time.Duration) {
		assert.Equal(t, "site", key)
		penalties = append(penalties, d)
	}))
	th.Penalize("site", 60*time.Millisecond)
	th.Penalize("site", time.Millisecond)
	th.Penalize("site", 0)
	assert.Equal(t, []time.Duration{60 * time.Millisecond, time.Millisecond}, penalties)

	start := time.Now()
	require.NoError(t, th.Wait(context.Background(), "site"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDelayDrawnWithinBounds(t *testing.T) {
	t.Parallel()

	lo := New(Config{MinDelay: time.Second, MaxDelay: 2 * time.Second}, WithRandom(func(int64) int64 { return 0 }))
	hi := New(Config{MinDelay: time.Second, MaxDelay: 2 * time.Second}, WithRandom(func(n int64) int64 { return n - 1 }))
	assert.Equal(t, time.Second, lo.delay())
	assert.Equal(t, 2*time.Second, hi.delay())

	flat := New(Config{MinDelay: time.Second, MaxDelay: time.Millisecond})
	assert.Equal(t, time.Second, flat.delay())
}

func TestGlobalBudgetApplies(t *testing.T) {
	t.Parallel()

	th := New(Config{GlobalRPS: 20})
	ctx := context.Background()
	start := time.Now()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, th.Wait(ctx, key))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
