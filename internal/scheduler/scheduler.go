// Package scheduler drains pending work items in bounded chunks with a fixed
// number of concurrent workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/metrics"
	"github.com/JakeFAU/tradestat-ingest/internal/progress"
	"github.com/JakeFAU/tradestat-ingest/internal/queue/memory"
	"github.com/JakeFAU/tradestat-ingest/internal/telemetry"
	"github.com/JakeFAU/tradestat-ingest/internal/worker"
)

// Processor handles every pending mode of one code.
type Processor interface {
	Process(ctx context.Context, code string, modes ...ingest.Mode) (worker.Report, error)
}

// Preflight checks the target is reachable before a run touches any item.
type Preflight interface {
	Check(ctx context.Context) error
}

// Config bounds a run.
type Config struct {
	// ChunkSize is the number of codes dispatched before the run checkpoints.
	ChunkSize int
	// Concurrency is the number of workers running at once.
	Concurrency int
	// MaxRun stops dispatching once elapsed. Zero disables the ceiling.
	MaxRun time.Duration
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithPreflight probes the target at the start of every run.
func WithPreflight(p Preflight) Option {
	return func(s *Scheduler) { s.preflight = p }
}

// WithClock overrides the time source.
func WithClock(clock ingest.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithEmitter sends progress events to em.
func WithEmitter(em progress.Emitter) Option {
	return func(s *Scheduler) {
		if em != nil {
			s.emitter = em
		}
	}
}

// WithTracer overrides the tracer used for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Scheduler runs the pending set through a Processor.
type Scheduler struct {
	store     ingest.WorkItemStore
	runs      ingest.RunStore
	processor Processor
	ids       ingest.IDGenerator
	preflight Preflight
	clock     ingest.Clock
	emitter   progress.Emitter
	tracer    trace.Tracer
	cfg       Config
	logger    *zap.Logger

	running atomic.Bool
}

// New constructs a Scheduler.
func New(
	store ingest.WorkItemStore,
	runs ingest.RunStore,
	processor Processor,
	ids ingest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Scheduler, error) {
	if store == nil || runs == nil {
		return nil, fmt.Errorf("work item and run stores are required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:     store,
		runs:      runs,
		processor: processor,
		ids:       ids,
		clock:     wallClock{},
		emitter:   progress.Nop{},
		tracer:    telemetry.Tracer(),
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// task is one code with the modes still pending for it.
type task struct {
	code  string
	modes []ingest.Mode
}

type tally struct {
	mu      sync.Mutex
	summary ingest.Summary
}

func (t *tally) add(fn func(*ingest.Summary)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.summary)
}

func (t *tally) snapshot() ingest.Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// RunOnce processes every pending item once. Completed items are never listed,
// so a second call with nothing pending makes no scrape attempts. Item
// failures are counted, not returned. It returns ErrRunInProgress when another
// run is active and ErrTargetUnavailable when the preflight probe fails.
func (s *Scheduler) RunOnce(ctx context.Context) (ingest.Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return ingest.Summary{}, ingest.ErrRunInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

// RequeueAndRun moves failed items with fewer than maxErrors errors back to
// pending and then runs a batch. The requeue happens under the run lock, so it
// never reopens items that a concurrent run has just failed. A requeue error
// is logged and the run goes ahead with what is already pending.
func (s *Scheduler) RequeueAndRun(ctx context.Context, maxErrors int) (ingest.Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return ingest.Summary{}, ingest.ErrRunInProgress
	}
	defer s.running.Store(false)

	n, err := s.store.RequeueFailed(ctx, maxErrors)
	switch {
	case err != nil:
		s.logger.Error("requeue failed items", zap.Error(err))
	case n > 0:
		s.logger.Info("requeued failed items", zap.Int("count", n), zap.Int("abandon_after", maxErrors))
	}
	return s.run(ctx)
}

// run executes one batch. The caller holds the run lock.
func (s *Scheduler) run(ctx context.Context) (ingest.Summary, error) {
	runID, err := s.ids.NewID()
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	ctx = progress.WithRunID(ctx, runID)
	ctx, span := s.tracer.Start(ctx, "scheduler.RunOnce", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	logger := s.logger.With(zap.String("run_id", runID))
	run := ingest.Run{ID: runID, StartedAt: s.clock.Now(), Status: ingest.RunActive}
	if err := s.runs.StartRun(ctx, run); err != nil {
		return ingest.Summary{}, fmt.Errorf("start run: %w", err)
	}

	summary, runErr := s.execute(ctx, logger)

	run.Summary = summary
	run.Status = ingest.RunOK
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = ingest.RunCanceled
	default:
		run.Status = ingest.RunAborted
	}
	if runErr != nil {
		run.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(run.Status))
	}
	finished := s.clock.Now()
	run.FinishedAt = &finished
	if err := s.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("record run finish", zap.Error(err))
	}

	span.SetAttributes(
		attribute.Int("attempted", summary.Attempted),
		attribute.Int("completed", summary.Completed),
		attribute.Int("failed", summary.Failed),
		attribute.Int("deferred", summary.Deferred),
	)
	s.emit(ctx, progress.Event{
		Stage:  progress.StageRunDone,
		Status: string(run.Status),
		Count:  summary.Attempted,
		Dur:    finished.Sub(run.StartedAt),
		Note:   run.Error,
	})
	logger.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int("attempted", summary.Attempted),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
		zap.Duration("elapsed", finished.Sub(run.StartedAt)),
	)
	return summary, runErr
}

func (s *Scheduler) execute(ctx context.Context, logger *zap.Logger) (ingest.Summary, error) {
	if s.preflight != nil {
		if err := s.preflight.Check(ctx); err != nil {
			metrics.ObservePreflightFailure()
			logger.Warn("preflight failed, aborting run", zap.Error(err))
			if !errors.Is(err, ingest.ErrTargetUnavailable) {
				err = fmt.Errorf("%w: %w", ingest.ErrTargetUnavailable, err)
			}
			return ingest.Summary{}, fmt.Errorf("preflight: %w", err)
		}
	}

	tasks, err := s.pending(ctx)
	if err != nil {
		return ingest.Summary{}, err
	}
	s.emit(ctx, progress.Event{Stage: progress.StageRunStart, Count: len(tasks)})
	logger.Info("run started", zap.Int("codes", len(tasks)))
	if len(tasks) == 0 {
		return ingest.Summary{}, nil
	}
	return s.dispatch(ctx, tasks, logger)
}

// pending groups the pending export and import lists by code, keeping the
// order codes were first listed in.
func (s *Scheduler) pending(ctx context.Context) ([]task, error) {
	index := make(map[string]int)
	var tasks []task
	for _, mode := range ingest.Modes() {
		listed, err := s.store.ListPending(ctx, mode)
		if err != nil {
			return nil, fmt.Errorf("list pending %s: %w", mode, err)
		}
		for _, code := range listed {
			i, ok := index[code]
			if !ok {
				i = len(tasks)
				index[code] = i
				tasks = append(tasks, task{code: code})
			}
			tasks[i].modes = append(tasks[i].modes, mode)
		}
	}
	return tasks, nil
}

// dispatch feeds tasks to the runners one chunk at a time. Once the ceiling
// passes, undispatched modes are counted as deferred and stay pending while
// in-flight items finish.
func (s *Scheduler) dispatch(ctx context.Context, tasks []task, logger *zap.Logger) (ingest.Summary, error) {
	dispatchCtx := ctx
	if s.cfg.MaxRun > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxRun)
		defer cancel()
	}

	q := memory.NewQueue[task](s.cfg.Concurrency)
	counts := &tally{}
	var inflight sync.WaitGroup

	var g errgroup.Group
	for range s.cfg.Concurrency {
		g.Go(func() error {
			s.runner(ctx, q, counts, &inflight, logger)
			return nil
		})
	}

	deferred := func(rest []task) {
		n := 0
		for _, t := range rest {
			n += len(t.modes)
		}
		counts.add(func(sum *ingest.Summary) { sum.Deferred += n })
	}

	stopped := false
	for start := 0; start < len(tasks) && !stopped; start += s.cfg.ChunkSize {
		end := min(start+s.cfg.ChunkSize, len(tasks))
		chunk := tasks[start:end]
		chunkStart := s.clock.Now()
		sent := 0
		for i, t := range chunk {
			if dispatchCtx.Err() != nil {
				stopped = true
				deferred(tasks[start+i:])
				break
			}
			inflight.Add(1)
			if err := q.Enqueue(dispatchCtx, t); err != nil {
				inflight.Done()
				stopped = true
				deferred(tasks[start+i:])
				break
			}
			sent++
		}
		inflight.Wait()
		s.emit(ctx, progress.Event{Stage: progress.StageChunkDone, Count: sent, Dur: s.clock.Now().Sub(chunkStart)})
		sum := counts.snapshot()
		logger.Info("chunk done",
			zap.Int("chunk_start", start),
			zap.Int("codes", sent),
			zap.Int("completed", sum.Completed),
			zap.Int("failed", sum.Failed),
		)
	}
	q.Close()
	_ = g.Wait()

	summary := counts.snapshot()
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run interrupted: %w", err)
	}
	if stopped {
		logger.Warn("run ceiling reached, remaining items deferred",
			zap.Duration("max_run", s.cfg.MaxRun),
			zap.Int("deferred", summary.Deferred),
		)
	}
	return summary, nil
}

// runner processes tasks until the queue is closed. Tasks dequeued after ctx
// ends are not started and count as deferred.
func (s *Scheduler) runner(ctx context.Context, q *memory.Queue[task], counts *tally, inflight *sync.WaitGroup, logger *zap.Logger) {
	for {
		t, err := q.Dequeue(context.WithoutCancel(ctx))
		if err != nil {
			return
		}
		s.runTask(ctx, t, counts, logger)
		inflight.Done()
	}
}

func (s *Scheduler) runTask(ctx context.Context, t task, counts *tally, logger *zap.Logger) {
	if ctx.Err() != nil {
		counts.add(func(sum *ingest.Summary) { sum.Deferred += len(t.modes) })
		return
	}
	report, err := s.processor.Process(ctx, t.code, t.modes...)
	counts.add(func(sum *ingest.Summary) {
		// Modes an aborted item never started stay pending.
		pending := report.Pending()
		sum.Attempted += len(t.modes) - pending
		sum.Deferred += pending
		sum.Completed += report.Completed()
		sum.Failed += report.Failed()
		if err != nil && ctx.Err() == nil {
			sum.Failed += len(t.modes) - len(report.Outcomes)
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("item aborted", zap.String("code", t.code), zap.Error(err))
	}
}

func (s *Scheduler) emit(ctx context.Context, evt progress.Event) {
	evt.RunID = progress.RunIDFrom(ctx)
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
