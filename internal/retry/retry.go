// Package retry runs fallible operations under an exponential backoff policy
// with bounded jitter.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Config parameterizes the delay curve and attempt budget.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the symmetric spread applied to each delay, as a fraction (0.2 = ±20%).
	Jitter float64
}

// DefaultConfig mirrors the scraper retry budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Attempt describes a failed attempt that will be retried.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleep replaces the backoff sleeper (tests).
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithOnRetry registers a hook invoked before each backoff sleep.
func WithOnRetry(fn func(Attempt)) Option {
	return func(p *Policy) { p.onRetry = fn }
}

// WithRandom replaces the jitter source; fn must return a value in [0, n).
func WithRandom(fn func(n int64) int64) Option {
	return func(p *Policy) {
		if fn != nil {
			p.randInt = fn
		}
	}
}

// Policy retries operations with exponential backoff.
type Policy struct {
	cfg     Config
	sleep   SleepFunc
	onRetry func(Attempt)
	randInt func(n int64) int64
}

// New builds a Policy, filling zero fields from DefaultConfig.
func New(cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	p := &Policy{cfg: cfg, sleep: timerSleep, randInt: cryptoInt}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Nominal returns the un-jittered delay that follows failed attempt n (1-based).
func (p *Policy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Bounds returns the jittered range for the delay after attempt n.
func (p *Policy) Bounds(attempt int) (time.Duration, time.Duration) {
	nominal := p.Nominal(attempt)
	spread := time.Duration(float64(nominal) * p.cfg.Jitter)
	return nominal - spread, nominal + spread
}

// Backoff returns a jittered delay drawn uniformly from Bounds(attempt).
func (p *Policy) Backoff(attempt int) time.Duration {
	lo, hi := p.Bounds(attempt)
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.randInt(int64(hi-lo)+1))
}

// Do runs op until it succeeds, returns a permanent error, ctx ends, or the
// attempt budget is spent. It reports the number of attempts made. Failures
// come back as *Error so callers can read the attempt count.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		val, err := op(ctx, attempt)
		if err == nil {
			return val, attempt, nil
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt >= p.cfg.MaxAttempts {
			return zero, attempt, &Error{Attempts: attempt, Err: err}
		}
		delay := p.Backoff(attempt)
		if p.onRetry != nil {
			p.onRetry(Attempt{Number: attempt, Delay: delay, Err: err})
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, attempt, &Error{Attempts: attempt, Err: errors.Join(err, sleepErr)}
		}
	}
}

// Run is Do for operations without a result value.
func (p *Policy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	_, attempts, err := Do(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return attempts, err
}

// Error is the final failure of a retried operation.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Attempts extracts the attempt count from err, or 0 if err was not produced by Do.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
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
