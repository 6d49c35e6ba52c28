// Package throttle spaces out requests per destination key with a jittered
// minimum delay, optionally capped by a process-wide request budget.
package throttle

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config controls the per-key spacing.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// GlobalRPS caps grants across all keys; 0 disables the cap.
	GlobalRPS float64
}

// Grant describes one completed Wait.
type Grant struct {
	Key    string
	Waited time.Duration
	At     time.Time
}

// Option customizes a Throttler.
type Option func(*Throttler)

// WithOnGrant registers a hook run while the key is still held, so grant times
// observed through it are strictly ordered per key.
func WithOnGrant(fn func(Grant)) Option {
	return func(t *Throttler) { t.onGrant = fn }
}

// WithOnPenalty registers a hook run for every accepted Penalize call.
func WithOnPenalty(fn func(key string, d time.Duration)) Option {
	return func(t *Throttler) { t.onPenalty = fn }
}

// WithRandom replaces the jitter source; fn must return a value in [0, n).
func WithRandom(fn func(n int64) int64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randInt = fn
		}
	}
}

// Throttler enforces a minimum spacing between grants for each key.
type Throttler struct {
	cfg       Config
	mu        sync.Mutex
	keys      map[string]*keyState
	global    *rate.Limiter
	onGrant   func(Grant)
	onPenalty func(key string, d time.Duration)
	randInt   func(n int64) int64
}

type keyState struct {
	// sem serializes waiters on one key; it is never held across keys.
	sem          chan struct{}
	last         time.Time
	penaltyUntil atomic.Int64
}

// New creates a Throttler. MaxDelay below MinDelay is raised to MinDelay.
func New(cfg Config, opts ...Option) *Throttler {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	t := &Throttler{
		cfg:     cfg,
		keys:    make(map[string]*keyState),
		randInt: cryptoInt,
	}
	if cfg.GlobalRPS > 0 {
		t.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Throttler) state(key string) *keyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.keys[key]
	if !ok {
		st = &keyState{sem: make(chan struct{}, 1)}
		t.keys[key] = st
	}
	return st
}

// Wait blocks until a delay drawn from [MinDelay, MaxDelay] has passed since the
// previous grant for key, and any penalty on key has expired.
func (t *Throttler) Wait(ctx context.Context, key string) error {
	st := t.state(key)
	start := time.Now()
	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("throttle wait: %w", ctx.Err())
	}
	defer func() { <-st.sem }()

	target := time.Time{}
	if !st.last.IsZero() {
		target = st.last.Add(t.delay())
	}
	if until := st.penaltyUntil.Load(); until > 0 {
		if p := time.Unix(0, until); p.After(target) {
			target = p
		}
	}
	if err := pause(ctx, time.Until(target)); err != nil {
		return err
	}
	if t.global != nil {
		if err := t.global.Wait(ctx); err != nil {
			return fmt.Errorf("throttle wait: %w", err)
		}
	}
	now := time.Now()
	st.last = now
	if t.onGrant != nil {
		t.onGrant(Grant{Key: key, Waited: now.Sub(start), At: now})
	}
	return nil
}

// Penalize pushes the next grant for key out to at least now+d, e.g. after a
// 429 response with Retry-After.
func (t *Throttler) Penalize(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	if t.onPenalty != nil {
		t.onPenalty(key, d)
	}
	st := t.state(key)
	until := time.Now().Add(d).UnixNano()
	for {
		cur := st.penaltyUntil.Load()
		if cur >= until || st.penaltyUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

func (t *Throttler) delay() time.Duration {
	spread := t.cfg.MaxDelay - t.cfg.MinDelay
	if spread <= 0 {
		return t.cfg.MinDelay
	}
	return t.cfg.MinDelay + time.Duration(t.randInt(int64(spread)+1))
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("throttle wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func cryptoInt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return v.Int64()
}
