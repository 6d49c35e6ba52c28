package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

type fakeSession struct {
	id      int
	closed  atomic.Bool
	healthy atomic.Bool
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) Healthy() bool { return s.healthy.Load() }

type sessionFactory struct {
	mu      sync.Mutex
	created []*fakeSession
	failAt  int
}

func (f *sessionFactory) New(context.Context) (*fakeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.created)+1 == f.failAt {
		return nil, errors.New("launch failed")
	}
	s := &fakeSession{id: len(f.created) + 1}
	s.healthy.Store(true)
	f.created = append(f.created, s)
	return s, nil
}

func newTestPool(t *testing.T, size int, timeout time.Duration, opts ...Option[*fakeSession]) (*Pool[*fakeSession], *sessionFactory) {
	t.Helper()
	f := &sessionFactory{}
	p, err := New(context.Background(), Config{Size: size, AcquireTimeout: timeout}, f.New, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.CloseAll() })
	return p, f
}

func TestAcquireNeverExceedsSizeOrSharesResources(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2, time.Second)
	var (
		mu      sync.Mutex
		holders = map[*fakeSession]int{}
		inUse   int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				res, err := p.Acquire(context.Background())
				require.NoError(t, err)

				mu.Lock()
				holders[res]++
				assert.Equal(t, 1, holders[res], "resource handed to two holders")
				inUse++
				if inUse > maxSeen {
					maxSeen = inUse
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				holders[res]--
				inUse--
				mu.Unlock()
				require.NoError(t, p.Release(res))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, 2)
	assert.Equal(t, Stats{Size: 2, InUse: 0, Idle: 2}, p.Stats())
}

func TestAcquireTimeoutReturnsPoolExhausted(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1, 20*time.Millisecond)
	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Release(res)) }()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrPoolExhausted)
}

func TestAcquireUnblocksOnCancel(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1, 0)
	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Release(res) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after cancel")
	}
}

func TestDoubleReleaseIsInvariantViolation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2, time.Second)
	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(res))

	err = p.Release(res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrInvariant)
	assert.Equal(t, 2, p.Stats().Idle, "free list must not gain a duplicate")

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestUnhealthyResourceIsReplacedOnRelease(t *testing.T) {
	t.Parallel()

	p, f := newTestPool(t, 1, time.Second)
	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	res.healthy.Store(false)
	require.NoError(t, p.Release(res))

	assert.True(t, res.closed.Load())
	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, res, next)
	assert.Len(t, f.created, 2)
	require.NoError(t, p.Release(next))
}

func TestCloseAllClosesIdleAndLateReleases(t *testing.T) {
	t.Parallel()

	f := &sessionFactory{}
	p, err := New(context.Background(), Config{Size: 2}, f.New)
	require.NoError(t, err)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.CloseAll())

	closed := 0
	for _, s := range f.created {
		if s.closed.Load() {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
	assert.False(t, held.closed.Load())

	require.NoError(t, p.Release(held))
	assert.True(t, held.closed.Load())

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
}

func TestReleaseRacingCloseAllLeaksNothing(t *testing.T) {
	t.Parallel()

	for range 200 {
		f := &sessionFactory{}
		p, err := New(context.Background(), Config{Size: 2}, f.New)
		require.NoError(t, err)
		healthy, err := p.Acquire(context.Background())
		require.NoError(t, err)
		sick, err := p.Acquire(context.Background())
		require.NoError(t, err)
		sick.healthy.Store(false)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _ = p.Release(healthy) }()
		go func() { defer wg.Done(); _ = p.Release(sick) }()
		go func() { defer wg.Done(); _ = p.CloseAll() }()
		wg.Wait()

		_, err = p.Acquire(context.Background())
		require.Error(t, err, "a closed pool hands nothing out")

		f.mu.Lock()
		for _, s := range f.created {
			assert.True(t, s.closed.Load(), "session %d left open", s.id)
		}
		f.mu.Unlock()
		assert.Zero(t, p.Stats().Idle)
	}
}

func TestNewClosesCreatedOnFactoryError(t *testing.T) {
	t.Parallel()

	f := &sessionFactory{failAt: 3}
	_, err := New(context.Background(), Config{Size: 3}, f.New)
	require.Error(t, err)
	require.Len(t, f.created, 2)
	for _, s := range f.created {
		assert.True(t, s.closed.Load())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	f := &sessionFactory{}
	_, err := New(context.Background(), Config{Size: 0}, f.New)
	require.Error(t, err)
	_, err = New[*fakeSession](context.Background(), Config{Size: 1}, nil)
	require.Error(t, err)
}

func TestOnChangeObservesInUse(t *testing.T) {
	t.Parallel()

	var last atomic.Int64
	p, _ := newTestPool(t, 2, time.Second, WithOnChange[*fakeSession](func(n int) { last.Store(int64(n)) }))
	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.Load())
	require.NoError(t, p.Release(res))
	assert.Equal(t, int64(0), last.Load())
}
