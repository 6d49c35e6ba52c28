// Package pool keeps a fixed set of expensive resources and hands each one to
// at most one caller at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Resource is anything the pool can own.
type Resource interface {
	comparable
	Close() error
}

// Factory creates a new resource.
type Factory[T Resource] func(ctx context.Context) (T, error)

// Config sizes the pool.
type Config struct {
	Size           int
	AcquireTimeout time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size  int
	InUse int
	Idle  int
}

// Pool owns Size resources created eagerly at construction.
type Pool[T Resource] struct {
	factory  Factory[T]
	timeout  time.Duration
	size     int
	onChange func(inUse int)

	free   chan T
	mu     sync.Mutex
	held   map[T]struct{}
	closed bool
}

// Option customizes a Pool.
type Option[T Resource] func(*Pool[T])

// WithOnChange registers an observer for the in-use count.
func WithOnChange[T Resource](fn func(inUse int)) Option[T] {
	return func(p *Pool[T]) { p.onChange = fn }
}

// New builds the pool and starts every resource up front. If any start fails the
// ones already created are closed.
func New[T Resource](ctx context.Context, cfg Config, factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if factory == nil {
		return nil, fmt.Errorf("pool factory is required")
	}
	p := &Pool[T]{
		factory: factory,
		timeout: cfg.AcquireTimeout,
		size:    cfg.Size,
		free:    make(chan T, cfg.Size),
		held:    make(map[T]struct{}, cfg.Size),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < cfg.Size; i++ {
		res, err := factory(ctx)
		if err != nil {
			_ = p.CloseAll()
			return nil, fmt.Errorf("create pooled resource %d: %w", i, err)
		}
		p.free <- res
	}
	return p, nil
}

// Acquire blocks until a resource is free, ctx ends, or the acquire timeout
// elapses. A timeout yields ingest.ErrPoolExhausted.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, fmt.Errorf("acquire: pool closed")
	}
	select {
	case res := <-p.free:
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, errors.Join(errors.New("acquire: pool closed"), res.Close())
		}
		p.held[res] = struct{}{}
		inUse := len(p.held)
		p.mu.Unlock()
		p.notify(inUse)
		return res, nil
	case <-timeout:
		return zero, fmt.Errorf("acquire after %s: %w", p.timeout, ingest.ErrPoolExhausted)
	case <-ctx.Done():
		return zero, fmt.Errorf("acquire: %w", ctx.Err())
	}
}

// Release returns res to the pool. Releasing a resource that is not checked out
// is an invariant violation and leaves the free list untouched. Resources that
// report themselves unhealthy are closed and replaced.
func (p *Pool[T]) Release(res T) error {
	p.mu.Lock()
	if _, ok := p.held[res]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("release resource not checked out: %w", ingest.ErrInvariant)
	}
	delete(p.held, res)
	inUse := len(p.held)
	if p.closed {
		p.mu.Unlock()
		p.notify(inUse)
		if err := res.Close(); err != nil {
			return fmt.Errorf("close released resource: %w", err)
		}
		return nil
	}
	if checker, ok := any(res).(interface{ Healthy() bool }); ok && !checker.Healthy() {
		p.mu.Unlock()
		p.notify(inUse)
		return p.replace(res)
	}
	// free has room for every resource, so the send never blocks. Holding mu
	// keeps CloseAll from draining before the resource lands.
	p.free <- res
	p.mu.Unlock()
	p.notify(inUse)
	return nil
}

func (p *Pool[T]) replace(old T) error {
	closeErr := old.Close()
	fresh, err := p.factory(context.Background())
	p.mu.Lock()
	if err != nil {
		// The slot is lost until the process restarts; callers see a smaller pool.
		p.size--
		p.mu.Unlock()
		return errors.Join(fmt.Errorf("replace unhealthy resource: %w", err), closeErr)
	}
	if p.closed {
		p.mu.Unlock()
		return errors.Join(closeErr, fresh.Close())
	}
	p.free <- fresh
	p.mu.Unlock()
	if closeErr != nil {
		return fmt.Errorf("close unhealthy resource: %w", closeErr)
	}
	return nil
}

// CloseAll closes every idle resource and marks the pool closed. Resources still
// checked out are closed when they are released.
func (p *Pool[T]) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case res := <-p.free:
			if err := res.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			if len(errs) > 0 {
				return fmt.Errorf("close pool: %w", errors.Join(errs...))
			}
			return nil
		}
	}
}

// Stats reports the current occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.size, InUse: len(p.held), Idle: len(p.free)}
}

func (p *Pool[T]) notify(inUse int) {
	if p.onChange != nil {
		p.onChange(inUse)
	}
}
