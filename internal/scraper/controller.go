// Package scraper runs one scrape attempt against the trade portal: navigate to
// the mode's form, submit it for each reporting year, walk the result pages, and
// assemble a validated ingest.ScrapeResult. It never retries; callers wrap Run
// in a retry policy.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/clock/system"
	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/retry"
)

// Version is stamped into result metadata.
const Version = "1.0.0"

// Config bounds an attempt.
type Config struct {
	// ThrottleKey scopes request spacing; all modes share the portal host.
	ThrottleKey string
	// MaxYears limits how many year options are scraped, newest first. 0 means all.
	MaxYears int
	// MaxPages stops runaway pagination on one year.
	MaxPages int
}

// Penalizer is implemented by throttlers that accept Retry-After feedback.
type Penalizer interface {
	Penalize(key string, d time.Duration)
}

// Controller executes scrape attempts using pooled pages.
type Controller struct {
	pool     ingest.PagePool
	throttle ingest.Throttler
	targets  Targets
	sel      Selectors
	cfg      Config
	clock    ingest.Clock
	logger   *zap.Logger
	onState  func(code string, mode ingest.Mode, from, to State)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSelectors overrides the result table selectors.
func WithSelectors(sel Selectors) Option {
	return func(c *Controller) { c.sel = sel }
}

// WithClock overrides the clock used for timestamps.
func WithClock(clock ingest.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithStateHook observes every state transition.
func WithStateHook(fn func(code string, mode ingest.Mode, from, to State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// New wires a Controller.
func New(pool ingest.PagePool, throttle ingest.Throttler, targets Targets, cfg Config, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ThrottleKey == "" {
		cfg.ThrottleKey = "tradestat"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	c := &Controller{
		pool:     pool,
		throttle: throttle,
		targets:  targets,
		sel:      DefaultSelectors(),
		cfg:      cfg,
		clock:    system.New(),
		logger:   logger.Named("scraper"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// attempt carries the mutable state of one Run.
type attempt struct {
	code    string
	mode    ingest.Mode
	target  Target
	page    ingest.Page
	machine *machine
	result  ingest.ScrapeResult
	logger  *zap.Logger
}

// Run performs one attempt for code in mode. Errors that retrying cannot fix
// are marked with retry.Permanent. A schema problem after rows were captured
// yields a partial result and no error.
func (c *Controller) Run(ctx context.Context, code string, mode ingest.Mode) (res ingest.ScrapeResult, err error) {
	start := c.clock.Now()
	target, ok := c.targets[mode]
	a := &attempt{
		code:   code,
		mode:   mode,
		target: target,
		logger: c.logger.With(zap.String("code", code), zap.String("mode", string(mode))),
		result: ingest.ScrapeResult{
			Status: ingest.ResultFailure,
			Metadata: ingest.Metadata{
				Code:              code,
				Mode:              mode,
				SourceURL:         target.URL,
				ReportType:        "Commodity wise all Countries",
				DataFrequency:     "Annual",
				Currency:          "USD Million",
				HS:                ingest.ParseHS(code),
				ControllerVersion: Version,
			},
		},
	}
	a.machine = newMachine(func(from, to State) {
		a.logger.Debug("scrape state", zap.Stringer("from", from), zap.Stringer("to", to))
		if c.onState != nil {
			c.onState(code, mode, from, to)
		}
	})
	if !ok {
		a.machine.fail()
		return a.result, retry.Permanent(fmt.Errorf("no target configured for mode %q", mode))
	}

	page, err := c.pool.Acquire(ctx)
	if err != nil {
		a.machine.fail()
		return a.result, fmt.Errorf("acquire page: %w", err)
	}
	a.page = page
	defer func() {
		if relErr := c.pool.Release(page); relErr != nil {
			a.logger.Error("release page failed", zap.Error(relErr))
			err = errors.Join(err, retry.Permanent(relErr))
		}
	}()

	return c.finish(a, start, c.scrape(ctx, a))
}

func (c *Controller) scrape(ctx context.Context, a *attempt) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	navStart := c.clock.Now()
	if err := a.page.Navigate(ctx, a.target.URL, a.target.Form.CodeInput); err != nil {
		return c.classify(err)
	}
	a.result.Metadata.PageLoadMs = c.clock.Now().Sub(navStart).Milliseconds()
	if err := a.machine.advance(StateNavigated); err != nil {
		return err
	}

	labels, err := a.page.OptionLabels(ctx, a.target.Form.YearSelect)
	if err != nil {
		return c.classify(err)
	}
	years := FilterYears(labels)
	if len(years) == 0 {
		return fmt.Errorf("year options under %s: %w", a.target.Form.YearSelect, ingest.ErrSchema)
	}
	if c.cfg.MaxYears > 0 && len(years) > c.cfg.MaxYears {
		years = years[:c.cfg.MaxYears]
	}

	for _, year := range years {
		if err := c.scrapeYear(ctx, a, year); err != nil {
			return err
		}
		if len(a.result.Metadata.ValidationErrors) > 0 {
			break
		}
	}
	return a.machine.advance(StateParsed)
}

func (c *Controller) scrapeYear(ctx context.Context, a *attempt, year string) error {
	if err := a.page.Fill(ctx, a.target.Form.CodeInput, a.code); err != nil {
		return c.classify(err)
	}
	if err := a.page.SelectByLabel(ctx, a.target.Form.YearSelect, year); err != nil {
		return c.classify(err)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := a.page.Click(ctx, c.sel.Submit, c.sel.Rows); err != nil {
		return c.classify(err)
	}
	if err := a.machine.advance(StateSubmitted); err != nil {
		return err
	}

	yd := ingest.YearData{Year: year, Headers: ColumnHeaders(year)}
	for {
		if err := a.machine.advance(StatePaginating); err != nil {
			return err
		}
		markup, err := a.page.HTML(ctx)
		if err != nil {
			return c.classify(err)
		}
		yd.Pages++
		a.result.Metadata.PagesVisited++

		data, err := ParsePage(markup, c.sel)
		if err != nil {
			if !errors.Is(err, ingest.ErrSchema) {
				return err
			}
			a.logger.Warn("page failed validation",
				zap.String("year", year), zap.Int("page", yd.Pages), zap.Error(err))
			a.result.Metadata.ValidationErrors = append(a.result.Metadata.ValidationErrors,
				fmt.Sprintf("%s page %d: %v", year, yd.Pages, err))
			break
		}
		yd.Partners = append(yd.Partners, data.Rows...)
		if yd.ProductLabel == "" {
			yd.ProductLabel = data.ProductLabel
		}
		if len(data.Summary) > 0 {
			yd.Summary = data.Summary
		}
		if !data.HasNext {
			break
		}
		if yd.Pages >= c.cfg.MaxPages {
			a.logger.Warn("pagination limit reached", zap.String("year", year), zap.Int("pages", yd.Pages))
			break
		}
		if err := c.wait(ctx); err != nil {
			return err
		}
		if err := a.page.Click(ctx, c.sel.Next, c.sel.Rows); err != nil {
			return c.classify(err)
		}
	}
	a.result.DataByYear = append(a.result.DataByYear, yd)
	return nil
}

// finish decides the result variant once scraping stopped.
func (c *Controller) finish(a *attempt, start time.Time, scrapeErr error) (ingest.ScrapeResult, error) {
	if scrapeErr != nil && errors.Is(scrapeErr, ingest.ErrSchema) && a.captured() > 0 {
		a.result.Metadata.ValidationErrors = append(a.result.Metadata.ValidationErrors, scrapeErr.Error())
		scrapeErr = nil
	}
	now := c.clock.Now()
	a.result.Metadata.CapturedAt = now
	a.result.Metadata.ElapsedMs = now.Sub(start).Milliseconds()
	a.result.Derive()
	meta := a.result.Metadata

	if scrapeErr == nil && meta.ValidationErrorCount > 0 && meta.RecordsCaptured == 0 {
		scrapeErr = fmt.Errorf("no rows before validation failure: %s: %w", meta.ValidationErrors[0], ingest.ErrSchema)
	}
	if scrapeErr != nil {
		a.machine.fail()
		a.result.Status = ingest.ResultFailure
		if errors.Is(scrapeErr, ingest.ErrSchema) {
			scrapeErr = retry.Permanent(scrapeErr)
		}
		return a.result, scrapeErr
	}

	a.result.Status = ingest.ResultSuccess
	if meta.ValidationErrorCount > 0 {
		a.result.Status = ingest.ResultPartial
	}
	if a.machine.state != StateParsed {
		if err := a.machine.advance(StateParsed); err != nil {
			return a.result, err
		}
	}
	if err := a.machine.advance(StateDone); err != nil {
		return a.result, err
	}
	return a.result, nil
}

func (a *attempt) captured() int {
	n := 0
	for _, yd := range a.result.DataByYear {
		n += len(yd.Partners)
	}
	return n
}

func (c *Controller) wait(ctx context.Context) error {
	if c.throttle == nil {
		return nil
	}
	if err := c.throttle.Wait(ctx, c.cfg.ThrottleKey); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}

// classify feeds rate-limit responses back to the throttler and marks client
// errors that retrying cannot fix.
func (c *Controller) classify(err error) error {
	var statusErr *ingest.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	if statusErr.RateLimited() {
		if p, ok := c.throttle.(Penalizer); ok && statusErr.RetryAfter > 0 {
			p.Penalize(c.cfg.ThrottleKey, statusErr.RetryAfter)
		}
		return err
	}
	if statusErr.StatusCode >= http.StatusBadRequest && statusErr.StatusCode < http.StatusInternalServerError {
		return retry.Permanent(err)
	}
	return err
}
