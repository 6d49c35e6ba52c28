package progress

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config sizes the Hub. Zero values fall back to the defaults below.
type Config struct {
	// BufferSize bounds the events waiting for the next flush.
	BufferSize int
	// MaxBatchEvents flushes a batch early once it grows this large.
	MaxBatchEvents int
	// MaxBatchWait is the flush interval for partial batches.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
)

// Hub buffers events and hands them to sinks in batches from a single
// goroutine. Emit never blocks. When the buffer runs low, routine item events
// are shed first so run and chunk boundaries and mode failures still arrive.
// A RUN_DONE event flushes the pending batch immediately.
type Hub struct {
	cfg     Config
	sinks   []Sink
	logger  *zap.Logger
	events  chan Event
	reserve int

	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	dropMu   sync.Mutex
	dropped  map[Stage]int64
	dropWarn rate.Sometimes
}

// NewHub starts a Hub feeding the given sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	h := newHub(cfg, sinks...)
	go h.run()
	return h
}

func newHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Hub{
		cfg:      cfg,
		sinks:    live,
		logger:   logger,
		events:   make(chan Event, cfg.BufferSize),
		reserve:  max(1, cfg.BufferSize/8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dropped:  make(map[Stage]int64),
		dropWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Emit queues evt for the next batch. Invalid events are discarded. Routine
// events may not use the last eighth of the buffer.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if !evt.Stage.Critical() && len(h.events) >= cap(h.events)-h.reserve {
		h.drop(evt.Stage)
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop(evt.Stage)
	}
}

func (h *Hub) drop(stage Stage) {
	h.dropMu.Lock()
	h.dropped[stage]++
	h.dropMu.Unlock()
	h.dropWarn.Do(func() {
		h.logger.Warn("progress events dropped", zap.Any("dropped_by_stage", h.Dropped()))
	})
}

// Dropped returns the number of events shed per stage since start.
func (h *Hub) Dropped() map[Stage]int64 {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	return maps.Clone(h.dropped)
}

// Close stops intake, flushes what is buffered and closes the sinks. Later
// calls only wait for the first to finish.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for progress hub: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if evt.Stage == StageRunDone || len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
			defer cancel()
			for _, s := range h.sinks {
				if err := s.Close(ctx); err != nil {
					h.logger.Warn("progress sink close failed", zap.Error(err))
				}
			}
			return
		}
	}
}

// flush delivers batch to every sink and returns the emptied slice for reuse.
// Sinks receive their own copy.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Consume(ctx, append([]Event(nil), batch...)); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}
