package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/metrics"
	"github.com/JakeFAU/tradestat-ingest/internal/pool"
)

// Pool exposes a session pool as an ingest.PagePool.
type Pool struct {
	sessions *pool.Pool[*Session]
}

// NewPool starts cfg.Size sessions from factory. The in-use gauge follows every
// checkout and release.
func NewPool(ctx context.Context, cfg pool.Config, factory pool.Factory[*Session]) (*Pool, error) {
	sessions, err := pool.New(ctx, cfg, factory, pool.WithOnChange[*Session](metrics.SetPoolInUse))
	if err != nil {
		return nil, fmt.Errorf("start browser pool: %w", err)
	}
	metrics.SetPoolSize(cfg.Size)
	return &Pool{sessions: sessions}, nil
}

// Acquire checks out a session.
func (p *Pool) Acquire(ctx context.Context) (ingest.Page, error) {
	start := time.Now()
	s, err := p.sessions.Acquire(ctx)
	metrics.ObservePoolAcquire(time.Since(start))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Release returns a page obtained from Acquire.
func (p *Pool) Release(page ingest.Page) error {
	s, ok := page.(*Session)
	if !ok {
		return fmt.Errorf("release %T: not a browser session: %w", page, ingest.ErrInvariant)
	}
	return p.sessions.Release(s)
}

// Stats reports the pool occupancy.
func (p *Pool) Stats() pool.Stats {
	return p.sessions.Stats()
}

// Close shuts every session down.
func (p *Pool) Close() error {
	return p.sessions.CloseAll()
}
