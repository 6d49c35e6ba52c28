// Package server builds the application's dependency graph and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tradestat-ingest/internal/api"
	"github.com/JakeFAU/tradestat-ingest/internal/artifact"
	"github.com/JakeFAU/tradestat-ingest/internal/browser"
	"github.com/JakeFAU/tradestat-ingest/internal/clock/system"
	"github.com/JakeFAU/tradestat-ingest/internal/config"
	"github.com/JakeFAU/tradestat-ingest/internal/hash/sha256"
	"github.com/JakeFAU/tradestat-ingest/internal/id/uuid"
	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/logging"
	"github.com/JakeFAU/tradestat-ingest/internal/metrics"
	"github.com/JakeFAU/tradestat-ingest/internal/normalize"
	"github.com/JakeFAU/tradestat-ingest/internal/pool"
	"github.com/JakeFAU/tradestat-ingest/internal/probe"
	"github.com/JakeFAU/tradestat-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/tradestat-ingest/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/tradestat-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/tradestat-ingest/internal/retry"
	"github.com/JakeFAU/tradestat-ingest/internal/scheduler"
	"github.com/JakeFAU/tradestat-ingest/internal/scraper"
	gcsstorage "github.com/JakeFAU/tradestat-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tradestat-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/tradestat-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/tradestat-ingest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/tradestat-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/tradestat-ingest/internal/telemetry"
	"github.com/JakeFAU/tradestat-ingest/internal/throttle"
	"github.com/JakeFAU/tradestat-ingest/internal/trigger"
	"github.com/JakeFAU/tradestat-ingest/internal/worker"
)

// workStore is what every database backend provides.
type workStore interface {
	ingest.WorkItemStore
	ingest.RunStore
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  ingest.Clock

	store workStore
	index ingest.ArtifactIndex

	apiServer   *api.Server
	scheduler   *scheduler.Scheduler
	daily       *trigger.Daily
	progressHub *progress.Hub
	pages       *browser.Pool
	publisher   *gcppublisher.Publisher
	storage     *storage.Client

	runCtx     context.Context
	cancelRuns context.CancelFunc

	closeStore     func() error
	tracerShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	// Log only fields that carry no credentials.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		DatabaseDriver string `json:"database_driver"`
		PoolSize       int    `json:"pool_size"`
		Concurrency    int    `json:"concurrency"`
		DailyAt        string `json:"daily_at"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		DatabaseDriver: cfg.Database.Driver,
		PoolSize:       cfg.Browser.PoolSize,
		Concurrency:    cfg.Scheduler.Concurrency,
		DailyAt:        cfg.Scheduler.DailyAt,
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	runCtx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}, nil
}

// Store returns the work item store.
func (a *App) Store() ingest.WorkItemStore {
	return a.store
}

// Runs returns the run history store.
func (a *App) Runs() ingest.RunStore {
	return a.store
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// RunOnce clears stale running marks left by a crashed process, then executes
// a single batch.
func (a *App) RunOnce(ctx context.Context) (ingest.Summary, error) {
	if a.scheduler == nil {
		return ingest.Summary{}, fmt.Errorf("scheduler not built")
	}
	reset, err := a.store.ResetStaleRunning(ctx)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("reset stale items: %w", err)
	}
	if reset > 0 {
		a.logger.Warn("requeued stale running items", zap.Int("count", reset))
	}
	return a.scheduler.RunOnce(ctx)
}

// Run serves the HTTP API and the daily trigger until ctx ends or a signal
// arrives.
func (a *App) Run(ctx context.Context) error {
	if a.apiServer == nil || a.daily == nil {
		return fmt.Errorf("service not built")
	}
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reset, err := a.store.ResetStaleRunning(ctx)
	if err != nil {
		return fmt.Errorf("reset stale items: %w", err)
	}
	if reset > 0 {
		a.logger.Warn("requeued stale running items", zap.Int("count", reset))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("daily trigger started",
			zap.String("at", a.cfg.Scheduler.DailyAt),
			zap.String("timezone", a.cfg.Scheduler.Timezone),
		)
		if err := a.daily.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("daily trigger: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		// Stop runs started over HTTP; in-flight items stay running and are
		// requeued on the next start.
		a.cancelRuns()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close gracefully shuts down the application. Later calls return the first
// result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.cancelRuns()
		a.closeErr = a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.pages != nil {
		if err := a.pages.Close(); err != nil {
			a.logger.Warn("browser pool close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("work item store close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr for some terminals; nothing useful can be done with it.
	_ = a.logger.Sync()
}

// BuildStore creates only the logger and the work item store. Commands that
// read or edit the queue use it so they never start a browser.
func BuildStore(ctx context.Context, cfg *config.Config) (*App, error) {
	app, err := newBaseApp(cfg)
	if err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app, err := newBaseApp(cfg)
	if err != nil {
		return nil, err
	}
	if err := build(ctx, app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func newBaseApp(cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn("config warning", zap.String("detail", w))
	}
	return NewApp(cfg, logger)
}

func build(ctx context.Context, app *App) error {
	if app.cfg.Tracing.Enabled {
		exporter, err := telemetry.OTLPExporter(ctx, app.cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		tp, err := telemetry.InitTracerProvider(ctx, app.cfg.Tracing.ServiceName, scraper.Version, exporter...)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
		app.logger.Info("tracing enabled",
			zap.String("service", app.cfg.Tracing.ServiceName),
			zap.String("endpoint", app.cfg.Tracing.Endpoint),
		)
	}

	app.logger.Info("building application dependencies")
	if err := setupDatabase(ctx, app); err != nil {
		return err
	}

	artifacts, err := setupArtifacts(ctx, app)
	if err != nil {
		return err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return err
	}

	emitter := setupProgress(app)

	limiter := throttle.New(throttle.Config{
		MinDelay:  app.cfg.Throttle.MinDelay,
		MaxDelay:  app.cfg.Throttle.MaxDelay,
		GlobalRPS: app.cfg.Throttle.GlobalRPS,
	},
		throttle.WithOnGrant(func(g throttle.Grant) { metrics.ObserveThrottleWait(g.Key, g.Waited) }),
		throttle.WithOnPenalty(func(key string, _ time.Duration) { metrics.ObserveThrottlePenalty(key) }),
	)

	if err := setupBrowser(ctx, app); err != nil {
		return err
	}

	return setupScheduler(app, limiter, artifacts, publisher, emitter)
}

func setupDatabase(ctx context.Context, app *App) error {
	switch app.cfg.Database.Driver {
	case config.DriverPostgres:
		app.logger.Info("using postgres work item store")
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             app.cfg.Database.DSN,
			MaxConns:        app.cfg.Database.MaxConns,
			MinConns:        app.cfg.Database.MinConns,
			MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		}, app.clock)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		app.store = store
		app.index = store
		app.closeStore = func() error {
			store.Close()
			return nil
		}
	case config.DriverSQLite:
		app.logger.Info("using sqlite work item store", zap.String("path", app.cfg.Database.SQLitePath))
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: app.cfg.Database.SQLitePath}, app.clock)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.store = store
		app.index = store
		app.closeStore = store.Close
	default:
		app.logger.Warn("using in-memory work item store; state is lost on exit")
		app.store = memorystorage.NewWorkItemStore(app.clock)
	}
	return nil
}

func setupArtifacts(ctx context.Context, app *App) (*artifact.Store, error) {
	var blobs ingest.BlobStore
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("base_dir", app.cfg.Storage.Local.BaseDir))
		local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
	default:
		app.logger.Warn("using in-memory storage backend; artifacts are lost on exit")
		blobs = memorystorage.NewBlobStore()
	}

	loc, err := app.cfg.Location()
	if err != nil {
		return nil, err
	}
	opts := []artifact.Option{artifact.WithLogger(app.logger.Named("artifact"))}
	if app.index != nil {
		opts = append(opts, artifact.WithIndex(app.index))
	}
	store, err := artifact.New(blobs, sha256.New(), app.clock, artifact.Config{
		Prefix:   app.cfg.Storage.Prefix,
		Location: loc,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact store init failed: %w", err)
	}
	return store, nil
}

func setupPublisher(ctx context.Context, app *App) (ingest.Publisher, error) {
	if !app.cfg.PubSub.Enabled {
		app.logger.Info("pubsub notices disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Connect(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicID, app.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	return pub, nil
}

func setupProgress(app *App) progress.Emitter {
	sinkList := []progress.Sink{progresssinks.NewLogSink(app.logger.Named("progress_log"))}
	if app.cfg.Progress.EnablePrometheus {
		promSink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			app.logger.Warn("prometheus progress sink disabled", zap.Error(err))
		} else {
			sinkList = append(sinkList, promSink)
		}
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub
}

func setupBrowser(ctx context.Context, app *App) error {
	launcher := browser.NewLauncher(browser.Config{
		Headless:          app.cfg.Browser.Headless,
		ExecPath:          app.cfg.Browser.ExecPath,
		UserAgent:         app.cfg.Target.UserAgent,
		WindowWidth:       app.cfg.Browser.WindowWidth,
		WindowHeight:      app.cfg.Browser.WindowHeight,
		NavigationTimeout: app.cfg.Browser.NavTimeout,
		ActionTimeout:     app.cfg.Browser.TableTimeout,
	}, app.logger)
	pages, err := browser.NewPool(ctx, pool.Config{
		Size:           app.cfg.Browser.PoolSize,
		AcquireTimeout: app.cfg.Browser.AcquireTimeout,
	}, launcher.Launch)
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	app.pages = pages
	app.logger.Info("browser pool started",
		zap.Int("size", app.cfg.Browser.PoolSize),
		zap.Bool("headless", app.cfg.Browser.Headless),
	)
	return nil
}

func setupScheduler(
	app *App,
	limiter *throttle.Throttler,
	artifacts ingest.ArtifactStore,
	publisher ingest.Publisher,
	emitter progress.Emitter,
) error {
	logger := app.logger
	ids := uuid.New()
	tracer := telemetry.Tracer()

	controller := scraper.New(
		app.pages,
		limiter,
		scraper.DefaultTargets(app.cfg.Target.ExportURL, app.cfg.Target.ImportURL),
		scraper.Config{
			ThrottleKey: app.cfg.Target.ThrottleKey,
			MaxYears:    app.cfg.Browser.MaxYears,
		},
		logger,
		scraper.WithClock(app.clock),
		scraper.WithStateHook(func(code string, mode ingest.Mode, from, to scraper.State) {
			logger.Debug("scrape state",
				zap.String("code", code),
				zap.String("mode", string(mode)),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}),
	)

	policy := retry.New(retry.Config{
		MaxAttempts: app.cfg.Retry.MaxAttempts,
		BaseDelay:   app.cfg.Retry.BaseDelay,
		MaxDelay:    app.cfg.Retry.MaxDelay,
		Multiplier:  app.cfg.Retry.Multiplier,
		Jitter:      app.cfg.Retry.Jitter,
	})

	work := worker.New(
		controller,
		policy,
		app.store,
		artifacts,
		normalize.NewProcessor(ids, app.clock),
		worker.Config{Topic: app.cfg.PubSub.TopicID},
		logger,
		worker.WithPublisher(publisher),
		worker.WithClock(app.clock),
		worker.WithEmitter(emitter),
		worker.WithTracer(tracer),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithClock(app.clock),
		scheduler.WithEmitter(emitter),
		scheduler.WithTracer(tracer),
	}
	if app.cfg.Target.Preflight {
		prober := probe.New(probe.Config{
			URLs:             []string{app.cfg.Target.ExportURL, app.cfg.Target.ImportURL},
			UserAgent:        app.cfg.Target.UserAgent,
			RespectRobots:    true,
			ThrottleKey:      app.cfg.Target.ThrottleKey,
			RateLimitPenalty: app.cfg.Throttle.RateLimitPenalty,
		}, limiter, logger)
		schedOpts = append(schedOpts, scheduler.WithPreflight(prober))
	}

	sched, err := scheduler.New(app.store, app.store, work, ids, scheduler.Config{
		ChunkSize:   app.cfg.Scheduler.ChunkSize,
		Concurrency: app.cfg.Scheduler.Concurrency,
		MaxRun:      app.cfg.Scheduler.MaxRun,
	}, logger, schedOpts...)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	app.scheduler = sched

	loc, err := app.cfg.Location()
	if err != nil {
		return err
	}
	app.daily, err = trigger.New(trigger.Config{
		At:           app.cfg.Scheduler.DailyAt,
		Location:     loc,
		AbandonAfter: app.cfg.Retry.AbandonAfter,
	}, sched, logger)
	if err != nil {
		return fmt.Errorf("daily trigger init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.runCtx, app.store, app.store, sched, api.Config{
		APIKey: app.cfg.Auth.APIKey,
	}, logger.Named("api"))
	return nil
}
