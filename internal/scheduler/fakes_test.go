package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/storage/memory"
	"github.com/JakeFAU/tradestat-ingest/internal/worker"
)

type call struct {
	code  string
	modes []ingest.Mode
}

// fakeProcessor marks every mode it is handed completed unless hook fails.
type fakeProcessor struct {
	store ingest.WorkItemStore
	hook  func(ctx context.Context, code string) error

	mu    sync.Mutex
	calls []call
}

func (f *fakeProcessor) Process(ctx context.Context, code string, modes ...ingest.Mode) (worker.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{code: code, modes: append([]ingest.Mode(nil), modes...)})
	f.mu.Unlock()

	report := worker.Report{Code: code}
	for _, mode := range modes {
		if err := f.store.MarkRunning(ctx, code, mode); err != nil {
			return report, err
		}
	}
	if f.hook != nil {
		if err := f.hook(ctx, code); err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			for _, mode := range modes {
				_ = f.store.MarkFailed(ctx, code, mode, err.Error())
				report.Outcomes = append(report.Outcomes, worker.Outcome{Mode: mode, Status: ingest.StatusFailed, Err: err})
			}
			return report, nil
		}
	}
	for _, mode := range modes {
		if err := f.store.MarkCompleted(ctx, code, mode); err != nil {
			return report, err
		}
		report.Outcomes = append(report.Outcomes, worker.Outcome{Mode: mode, Status: ingest.StatusCompleted})
	}
	return report, nil
}

func (f *fakeProcessor) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

type fakePreflight struct {
	err   error
	calls atomic.Int32
}

func (f *fakePreflight) Check(context.Context) error {
	f.calls.Add(1)
	return f.err
}

// session is a pooled resource for the pool-bound scenario.
type session struct {
	id int
}

func (*session) Close() error { return nil }

// auditStore records every status change made through it, in order.
type auditStore struct {
	*memory.WorkItemStore
	// failRunning, when set, makes MarkRunning fail for that item.
	failRunning ingest.Key

	mu  sync.Mutex
	log map[ingest.Key][]ingest.Status
}

func (s *auditStore) record(code string, mode ingest.Mode, status ingest.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		s.log = make(map[ingest.Key][]ingest.Status)
	}
	key := ingest.Key{Code: code, Mode: mode}
	s.log[key] = append(s.log[key], status)
}

func (s *auditStore) MarkRunning(ctx context.Context, code string, mode ingest.Mode) error {
	if s.failRunning == (ingest.Key{Code: code, Mode: mode}) {
		return errors.New("db blip")
	}
	if err := s.WorkItemStore.MarkRunning(ctx, code, mode); err != nil {
		return err
	}
	s.record(code, mode, ingest.StatusRunning)
	return nil
}

func (s *auditStore) MarkCompleted(ctx context.Context, code string, mode ingest.Mode) error {
	if err := s.WorkItemStore.MarkCompleted(ctx, code, mode); err != nil {
		return err
	}
	s.record(code, mode, ingest.StatusCompleted)
	return nil
}

func (s *auditStore) MarkFailed(ctx context.Context, code string, mode ingest.Mode, cause string) error {
	if err := s.WorkItemStore.MarkFailed(ctx, code, mode, cause); err != nil {
		return err
	}
	s.record(code, mode, ingest.StatusFailed)
	return nil
}

func (s *auditStore) history() map[ingest.Key][]ingest.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ingest.Key][]ingest.Status, len(s.log))
	for k, v := range s.log {
		out[k] = append([]ingest.Status(nil), v...)
	}
	return out
}
