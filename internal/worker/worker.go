// Package worker drives one code through scraping, persistence and status
// marking for each of its trade modes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/metrics"
	"github.com/JakeFAU/tradestat-ingest/internal/normalize"
	"github.com/JakeFAU/tradestat-ingest/internal/progress"
	"github.com/JakeFAU/tradestat-ingest/internal/retry"
	"github.com/JakeFAU/tradestat-ingest/internal/telemetry"
)

// Scraper performs a single scrape attempt.
type Scraper interface {
	Run(ctx context.Context, code string, mode ingest.Mode) (ingest.ScrapeResult, error)
}

// Processor cleans a scrape result.
type Processor interface {
	Process(res ingest.ScrapeResult) (normalize.Processed, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives one completion notice per finished mode. Empty disables publishing.
	Topic string
}

// Notice is the message published when a mode's artifacts are persisted.
type Notice struct {
	Code       string               `json:"code"`
	Mode       ingest.Mode          `json:"mode"`
	Status     ingest.ResultStatus  `json:"status"`
	RecordID   string               `json:"record_id"`
	Rows       int                  `json:"rows"`
	Artifacts  []ingest.ArtifactRef `json:"artifacts"`
	FinishedAt time.Time            `json:"finished_at"`
}

// Outcome is the result of one mode for one code.
type Outcome struct {
	Mode     ingest.Mode
	Status   ingest.Status
	Result   ingest.ResultStatus
	Attempts int
	Records  int
	Err      error
}

// Report summarises a Process call.
type Report struct {
	Code     string
	Outcomes []Outcome
}

// Completed counts the modes marked completed.
func (r Report) Completed() int {
	return r.count(ingest.StatusCompleted)
}

// Failed counts the modes marked failed.
func (r Report) Failed() int {
	return r.count(ingest.StatusFailed)
}

// Pending counts the modes never started because the item was aborted.
func (r Report) Pending() int {
	return r.count(ingest.StatusPending)
}

func (r Report) count(status ingest.Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Option customises a Worker.
type Option func(*Worker)

// WithPublisher sends completion notices to pub.
func WithPublisher(pub ingest.Publisher) Option {
	return func(w *Worker) { w.publisher = pub }
}

// WithClock overrides the time source.
func WithClock(clock ingest.Clock) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithEmitter sends progress events to em.
func WithEmitter(em progress.Emitter) Option {
	return func(w *Worker) {
		if em != nil {
			w.emitter = em
		}
	}
}

// WithTracer overrides the tracer used for item and mode spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

// Worker processes codes. It is safe for concurrent use by distinct codes.
type Worker struct {
	scraper   Scraper
	policy    *retry.Policy
	store     ingest.WorkItemStore
	artifacts ingest.ArtifactStore
	processor Processor
	publisher ingest.Publisher
	clock     ingest.Clock
	emitter   progress.Emitter
	tracer    trace.Tracer
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	scraper Scraper,
	policy *retry.Policy,
	store ingest.WorkItemStore,
	artifacts ingest.ArtifactStore,
	processor Processor,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.New(retry.DefaultConfig())
	}
	w := &Worker{
		scraper:   scraper,
		policy:    policy,
		store:     store,
		artifacts: artifacts,
		processor: processor,
		clock:     wallClock{},
		emitter:   progress.Nop{},
		tracer:    telemetry.Tracer(),
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type scrapeOutcome struct {
	result   ingest.ScrapeResult
	attempts int
	err      error
}

// Process scrapes the given modes of code concurrently, then persists and
// marks each mode on its own. With no modes it processes both. A canceled ctx
// leaves started modes in running and returns the context error.
func (w *Worker) Process(ctx context.Context, code string, modes ...ingest.Mode) (Report, error) {
	if len(modes) == 0 {
		modes = ingest.Modes()
	}
	report := Report{Code: code}
	logger := w.logger.With(zap.String("code", code))
	ctx, span := w.tracer.Start(ctx, "worker.Process", trace.WithAttributes(attribute.String("code", code)))
	defer span.End()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	w.emit(ctx, progress.Event{Stage: progress.StageItemStart, Code: code, Count: len(modes)})

	if err := w.markRunning(ctx, code, modes, &report, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark running")
		return report, err
	}

	outcomes := make([]scrapeOutcome, len(modes))
	var g errgroup.Group
	for i, mode := range modes {
		g.Go(func() error {
			outcomes[i] = w.scrape(ctx, code, mode)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		logger.Warn("item interrupted, leaving modes running", zap.Error(err))
		span.SetStatus(codes.Error, "canceled")
		return report, fmt.Errorf("process %s: %w", code, err)
	}

	var errs []error
	for i, mode := range modes {
		out := w.finish(ctx, code, mode, outcomes[i], logger)
		report.Outcomes = append(report.Outcomes, out)
		if out.Err != nil && errors.Is(out.Err, ingest.ErrInvariant) {
			errs = append(errs, out.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		logger.Warn("item interrupted while persisting, leaving unfinished modes running", zap.Error(err))
		span.SetStatus(codes.Error, "canceled")
		return report, fmt.Errorf("process %s: %w", code, err)
	}

	w.emit(ctx, progress.Event{
		Stage:  progress.StageItemDone,
		Code:   code,
		Count:  report.Completed(),
		Dur:    w.clock.Now().Sub(start),
		Status: fmt.Sprintf("%d/%d", report.Completed(), len(modes)),
	})
	if err := errors.Join(errs...); err != nil {
		logger.Error("invariant violation while processing item", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invariant violation")
		return report, fmt.Errorf("process %s: %w", code, err)
	}
	return report, nil
}

func (w *Worker) scrape(ctx context.Context, code string, mode ingest.Mode) scrapeOutcome {
	ctx, span := w.tracer.Start(ctx, "worker.scrape", trace.WithAttributes(
		attribute.String("code", code),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	res, attempts, err := retry.Do(ctx, w.policy, func(ctx context.Context, attempt int) (ingest.ScrapeResult, error) {
		if attempt > 1 {
			metrics.ObserveRetry(string(mode))
		}
		res, err := w.scraper.Run(ctx, code, mode)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			w.logger.Debug("scrape attempt failed",
				zap.String("code", code),
				zap.String("mode", string(mode)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		metrics.ObserveScrapeAttempt(string(mode), outcome)
		return res, err
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scrape failed")
	}
	return scrapeOutcome{result: res, attempts: attempts, err: err}
}

// markRunning moves every mode to running. If one fails, the modes already
// started are marked failed with the same cause and the rest are reported
// pending, so no mode is left running without a scrape behind it.
func (w *Worker) markRunning(ctx context.Context, code string, modes []ingest.Mode, report *Report, logger *zap.Logger) error {
	for i, mode := range modes {
		err := w.store.MarkRunning(ctx, code, mode)
		if err == nil {
			continue
		}
		err = fmt.Errorf("mark %s/%s running: %w", code, mode, err)
		if ctx.Err() != nil {
			return err
		}
		for _, started := range modes[:i] {
			out := Outcome{Mode: started, Status: ingest.StatusFailed, Err: err}
			if markErr := w.store.MarkFailed(ctx, code, started, err.Error()); markErr != nil {
				logger.Error("mark failed after aborted start", zap.String("mode", string(started)), zap.Error(markErr))
				out.Err = errors.Join(err, markErr)
			}
			report.Outcomes = append(report.Outcomes, out)
		}
		for _, skipped := range modes[i:] {
			report.Outcomes = append(report.Outcomes, Outcome{Mode: skipped, Status: ingest.StatusPending, Err: err})
		}
		return err
	}
	return nil
}

// finish persists a successful scrape and marks the mode. Any error along the
// way marks the mode failed, unless ctx is done: then the mode stays running.
func (w *Worker) finish(ctx context.Context, code string, mode ingest.Mode, so scrapeOutcome, logger *zap.Logger) Outcome {
	out := Outcome{Mode: mode, Attempts: so.attempts, Result: so.result.Status, Records: so.result.Metadata.RecordsCaptured}
	logger = logger.With(zap.String("mode", string(mode)), zap.Int("attempts", so.attempts))
	start := w.clock.Now()

	err := so.err
	if err == nil {
		err = w.persist(ctx, code, mode, so.result)
	}
	if err != nil && ctx.Err() != nil {
		out.Err = err
		out.Status = ingest.StatusRunning
		return out
	}
	if err != nil {
		out.Err = err
		out.Status = ingest.StatusFailed
		if markErr := w.store.MarkFailed(ctx, code, mode, err.Error()); markErr != nil {
			logger.Error("mark failed", zap.Error(markErr))
			out.Err = errors.Join(err, markErr)
		}
		logger.Warn("mode failed", zap.Error(err))
		w.emit(ctx, progress.Event{
			Stage:    progress.StageModeFailed,
			Code:     code,
			Mode:     mode,
			Status:   string(out.Result),
			Attempts: out.Attempts,
			Dur:      w.clock.Now().Sub(start),
			Note:     err.Error(),
		})
		return out
	}

	if markErr := w.store.MarkCompleted(ctx, code, mode); markErr != nil {
		out.Err = markErr
		if ctx.Err() != nil {
			out.Status = ingest.StatusRunning
			return out
		}
		logger.Error("mark completed", zap.Error(markErr))
		out.Status = ingest.StatusFailed
		if failErr := w.store.MarkFailed(ctx, code, mode, markErr.Error()); failErr != nil {
			out.Err = errors.Join(markErr, failErr)
		}
		return out
	}
	out.Status = ingest.StatusCompleted
	logger.Info("mode completed",
		zap.String("result", string(so.result.Status)),
		zap.Int("records", out.Records),
	)
	w.emit(ctx, progress.Event{
		Stage:    progress.StageModeDone,
		Code:     code,
		Mode:     mode,
		Status:   string(out.Result),
		Attempts: out.Attempts,
		Records:  out.Records,
		Dur:      w.clock.Now().Sub(start),
	})
	return out
}

// persist writes the raw, processed and normalized artifacts and publishes a notice.
func (w *Worker) persist(ctx context.Context, code string, mode ingest.Mode, res ingest.ScrapeResult) error {
	date := res.Metadata.CapturedAt
	refs := make([]ingest.ArtifactRef, 0, 3)

	ref, err := w.put(ctx, ingest.KindRaw, code, mode, date, res)
	if err != nil {
		return err
	}
	refs = append(refs, ref)

	processed, err := w.processor.Process(res)
	if err != nil {
		return fmt.Errorf("process result: %w", err)
	}
	if ref, err = w.put(ctx, ingest.KindProcessed, code, mode, date, processed); err != nil {
		return err
	}
	refs = append(refs, ref)

	rows := normalize.Normalize(processed)
	if ref, err = w.put(ctx, ingest.KindNormalized, code, mode, date, rows); err != nil {
		return err
	}
	refs = append(refs, ref)

	if w.publisher == nil || w.cfg.Topic == "" {
		return nil
	}
	notice := Notice{
		Code:       code,
		Mode:       mode,
		Status:     res.Status,
		RecordID:   processed.RecordID,
		Rows:       len(rows),
		Artifacts:  refs,
		FinishedAt: w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, notice); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

func (w *Worker) put(ctx context.Context, kind ingest.ArtifactKind, code string, mode ingest.Mode, date time.Time, payload any) (ingest.ArtifactRef, error) {
	ref, err := w.artifacts.Put(ctx, ingest.Artifact{Kind: kind, Mode: mode, Date: date, Code: code, Payload: payload})
	if err != nil {
		return ref, fmt.Errorf("store %s artifact: %w", kind, err)
	}
	return ref, nil
}

func (w *Worker) emit(ctx context.Context, evt progress.Event) {
	evt.RunID = progress.RunIDFrom(ctx)
	evt.TS = w.clock.Now()
	w.emitter.Emit(evt)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
