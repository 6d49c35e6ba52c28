// Package trigger fires a scheduler run once a day at a fixed wall-clock time.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Runner requeues failed items below the abandon ceiling and runs one batch,
// holding its run lock across both steps.
type Runner interface {
	RequeueAndRun(ctx context.Context, maxErrors int) (ingest.Summary, error)
}

// Config selects when the daily run fires.
type Config struct {
	// At is the local fire time as HH:MM.
	At string
	// Location interprets At. Nil means UTC.
	Location *time.Location
	// AbandonAfter is the error count at which a failed item stops being
	// requeued. Zero or less requeues every failed item.
	AbandonAfter int
}

// SleepFunc pauses until d elapses or ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customises a Daily trigger.
type Option func(*Daily)

// WithClock overrides the time source.
func WithClock(clock ingest.Clock) Option {
	return func(d *Daily) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithSleep overrides how the trigger waits for the next fire time.
func WithSleep(fn SleepFunc) Option {
	return func(d *Daily) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// Daily fires the runner every day at the configured time.
type Daily struct {
	runner  Runner
	hour    int
	minute  int
	loc     *time.Location
	abandon int
	clock   ingest.Clock
	sleep   SleepFunc
	logger  *zap.Logger
}

// New validates cfg and builds a Daily trigger.
func New(cfg Config, runner Runner, logger *zap.Logger, opts ...Option) (*Daily, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	hour, minute, err := ParseAt(cfg.At)
	if err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daily{
		runner:  runner,
		hour:    hour,
		minute:  minute,
		loc:     cfg.Location,
		abandon: cfg.AbandonAfter,
		clock:   wallClock{},
		sleep:   pause,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ParseAt reads an HH:MM time of day.
func ParseAt(at string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return 0, 0, fmt.Errorf("parse daily time %q: %w", at, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Next returns the first fire time strictly after now.
func (d *Daily) Next(now time.Time) time.Time {
	local := now.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

// Run blocks, firing once per day until ctx ends.
func (d *Daily) Run(ctx context.Context) error {
	for {
		now := d.clock.Now()
		next := d.Next(now)
		d.logger.Info("next scheduled run", zap.Time("at", next), zap.Duration("in", next.Sub(now)))
		if err := d.sleep(ctx, next.Sub(now)); err != nil {
			return fmt.Errorf("daily trigger stopped: %w", err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("daily trigger stopped: %w", ctx.Err())
		}
		d.Fire(ctx)
	}
}

// Fire requeues failed items under the abandon ceiling, then runs one batch.
// When another run is active nothing is requeued. Errors are logged; the
// trigger keeps going.
func (d *Daily) Fire(ctx context.Context) {
	summary, err := d.runner.RequeueAndRun(ctx, d.abandon)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		d.logger.Warn("skipping scheduled run, another run is active")
	case err != nil:
		d.logger.Error("scheduled run failed", zap.Error(err), zap.Any("summary", summary))
	default:
		d.logger.Info("scheduled run complete",
			zap.Int("attempted", summary.Attempted),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("deferred", summary.Deferred),
		)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
