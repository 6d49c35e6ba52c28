package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/tradestat-ingest/internal/progress"
)

// PrometheusSink exports run and item progress via Prometheus. It owns the
// collectors for runs started/finished/running and per-mode item outcomes.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	modeOutcomes *prometheus.CounterVec
	modeAttempts *prometheus.HistogramVec
	modeDuration *prometheus.HistogramVec
	partnerRows  *prometheus.CounterVec
	chunks       prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradestat_runs_started_total",
			Help: "Total scheduler runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradestat_runs_finished_total",
			Help: "Total scheduler runs finished partitioned by run status.",
		}, []string{"status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradestat_runs_running",
			Help: "Current number of running scheduler runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradestat_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 21600},
		}, []string{"status"}),
		modeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradestat_mode_outcomes_total",
			Help: "Work item mode outcomes partitioned by mode and result.",
		}, []string{"mode", "result"}),
		modeAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradestat_mode_attempts",
			Help:    "Scrape attempts needed per work item mode.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"mode"}),
		modeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradestat_mode_duration_seconds",
			Help:    "Scrape duration per work item mode including retries.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode", "result"}),
		partnerRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradestat_partner_rows_total",
			Help: "Partner rows captured per mode.",
		}, []string{"mode"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradestat_chunks_done_total",
			Help: "Chunks drained by the scheduler.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.modeOutcomes,
		s.modeAttempts,
		s.modeDuration,
		s.partnerRows,
		s.chunks,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		status := evt.Status
		if status == "" {
			status = "unknown"
		}
		s.runsFinished.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageModeDone, progress.StageModeFailed:
		s.handleModeEvent(evt)
	case progress.StageChunkDone:
		s.chunks.Inc()
	}
}

func (s *PrometheusSink) handleModeEvent(evt progress.Event) {
	mode := string(evt.Mode)
	result := "completed"
	if evt.Stage == progress.StageModeFailed {
		result = "failed"
	}
	s.modeOutcomes.WithLabelValues(mode, result).Inc()
	if evt.Attempts > 0 {
		s.modeAttempts.WithLabelValues(mode).Observe(float64(evt.Attempts))
	}
	if evt.Dur > 0 {
		s.modeDuration.WithLabelValues(mode, result).Observe(evt.Dur.Seconds())
	}
	if evt.Records > 0 {
		s.partnerRows.WithLabelValues(mode).Add(float64(evt.Records))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
