// Package probe checks that the target site answers before a run dispatches
// any browser work.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Config controls the preflight probe.
type Config struct {
	URLs             []string
	UserAgent        string
	Timeout          time.Duration
	RespectRobots    bool
	ThrottleKey      string
	RateLimitPenalty time.Duration
}

// Penalizer pushes back the next grant for a throttle key.
type Penalizer interface {
	Penalize(key string, d time.Duration)
}

// Prober issues one GET per configured URL using a Colly collector.
type Prober struct {
	cfg       Config
	penalizer Penalizer
	base      *colly.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a Prober. penalizer may be nil.
func New(cfg Config, penalizer Penalizer, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RateLimitPenalty <= 0 {
		cfg.RateLimitPenalty = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Prober{cfg: cfg, penalizer: penalizer, base: c, logger: logger, now: time.Now}
}

// Check returns nil when every URL answered with a success status. Failures
// wrap ingest.ErrTargetUnavailable; rate-limit answers also penalize the
// throttle key for the advertised Retry-After.
func (p *Prober) Check(ctx context.Context) error {
	for _, url := range p.cfg.URLs {
		if err := p.visit(ctx, url); err != nil {
			return fmt.Errorf("%w: %w", ingest.ErrTargetUnavailable, err)
		}
	}
	return nil
}

func (p *Prober) visit(ctx context.Context, url string) error {
	collector := p.base.Clone()
	collector.Context = ctx
	collector.IgnoreRobotsTxt = !p.cfg.RespectRobots
	collector.SetRequestTimeout(p.cfg.Timeout)
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}

	var (
		status   int
		fetchErr error
	)
	start := p.now()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			fetchErr = p.statusError(url, r)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("probe canceled: %w", ctxErr)
		}
		if fetchErr != nil {
			return fetchErr
		}
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
	}
	p.logger.Debug("preflight ok",
		zap.String("url", url),
		zap.Int("status", status),
		zap.Duration("elapsed", p.now().Sub(start)),
	)
	return nil
}

func (p *Prober) statusError(url string, r *colly.Response) error {
	se := &ingest.StatusError{URL: url, StatusCode: r.StatusCode}
	if !se.RateLimited() {
		return se
	}
	var retryAfter string
	if r.Headers != nil {
		retryAfter = r.Headers.Get("Retry-After")
	}
	se.RetryAfter = ingest.ParseRetryAfter(retryAfter, p.now(), p.cfg.RateLimitPenalty)
	if p.penalizer != nil && p.cfg.ThrottleKey != "" {
		p.penalizer.Penalize(p.cfg.ThrottleKey, se.RetryAfter)
	}
	p.logger.Warn("target rate limited",
		zap.String("url", url),
		zap.Int("status", r.StatusCode),
		zap.Duration("retry_after", se.RetryAfter),
	)
	return se
}

// IsRateLimited reports whether err came from a rate-limit response.
func IsRateLimited(err error) bool {
	var se *ingest.StatusError
	return errors.As(err, &se) && se.RateLimited()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
