package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// WorkItemStore provides an in-memory WorkItemStore and RunStore for
// development and tests.
type WorkItemStore struct {
	mu    sync.RWMutex
	clock ingest.Clock
	items map[ingest.Key]ingest.WorkItem
	codes []string
	runs  map[string]ingest.Run
}

// NewWorkItemStore constructs a WorkItemStore. A nil clock uses UTC wall time.
func NewWorkItemStore(clock ingest.Clock) *WorkItemStore {
	return &WorkItemStore{
		clock: clock,
		items: make(map[ingest.Key]ingest.WorkItem),
		runs:  make(map[string]ingest.Run),
	}
}

func (s *WorkItemStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Seed inserts pending export and import items for every new code and leaves
// existing rows untouched. It returns the number of items created.
func (s *WorkItemStore) Seed(_ context.Context, codes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for _, code := range codes {
		if code == "" {
			continue
		}
		known := false
		for _, mode := range ingest.Modes() {
			key := ingest.Key{Code: code, Mode: mode}
			if _, ok := s.items[key]; ok {
				known = true
				continue
			}
			s.items[key] = ingest.WorkItem{Code: code, Mode: mode, Status: ingest.StatusPending}
			created++
		}
		if !known {
			s.codes = append(s.codes, code)
		}
	}
	return created, nil
}

// ListPending returns pending codes for mode in seed order.
func (s *WorkItemStore) ListPending(_ context.Context, mode ingest.Mode) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, code := range s.codes {
		if item, ok := s.items[ingest.Key{Code: code, Mode: mode}]; ok && item.Status == ingest.StatusPending {
			out = append(out, code)
		}
	}
	return out, nil
}

// MarkRunning records the start of an attempt.
func (s *WorkItemStore) MarkRunning(_ context.Context, code string, mode ingest.Mode) error {
	return s.update(code, mode, func(item *ingest.WorkItem, now time.Time) {
		item.Status = ingest.StatusRunning
		item.LastAttemptAt = &now
	})
}

// MarkCompleted records a successful attempt.
func (s *WorkItemStore) MarkCompleted(_ context.Context, code string, mode ingest.Mode) error {
	return s.update(code, mode, func(item *ingest.WorkItem, now time.Time) {
		item.Status = ingest.StatusCompleted
		item.CompletedAt = &now
	})
}

// MarkFailed records a failed attempt and bumps the error count.
func (s *WorkItemStore) MarkFailed(_ context.Context, code string, mode ingest.Mode, cause string) error {
	return s.update(code, mode, func(item *ingest.WorkItem, _ time.Time) {
		item.Status = ingest.StatusFailed
		item.ErrorCount++
		item.LastError = cause
	})
}

func (s *WorkItemStore) update(code string, mode ingest.Mode, fn func(*ingest.WorkItem, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ingest.Key{Code: code, Mode: mode}
	item, ok := s.items[key]
	if !ok {
		return fmt.Errorf("work item %s: %w", key, ingest.ErrNotFound)
	}
	fn(&item, s.now())
	s.items[key] = item
	return nil
}

// ResetStaleRunning moves every running item back to pending.
func (s *WorkItemStore) ResetStaleRunning(_ context.Context) (int, error) {
	return s.requeue(func(item ingest.WorkItem) bool {
		return item.Status == ingest.StatusRunning
	}), nil
}

// RequeueFailed moves failed items with fewer than maxErrors errors back to
// pending. A non-positive maxErrors requeues every failed item.
func (s *WorkItemStore) RequeueFailed(_ context.Context, maxErrors int) (int, error) {
	return s.requeue(func(item ingest.WorkItem) bool {
		return item.Status == ingest.StatusFailed && (maxErrors <= 0 || item.ErrorCount < maxErrors)
	}), nil
}

func (s *WorkItemStore) requeue(match func(ingest.WorkItem) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, item := range s.items {
		if match(item) {
			item.Status = ingest.StatusPending
			s.items[key] = item
			n++
		}
	}
	return n
}

// Get returns both mode items for code.
func (s *WorkItemStore) Get(_ context.Context, code string) ([]ingest.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.WorkItem
	for _, mode := range ingest.Modes() {
		if item, ok := s.items[ingest.Key{Code: code, Mode: mode}]; ok {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("code %s: %w", code, ingest.ErrNotFound)
	}
	return out, nil
}

// List returns items matching filter ordered by code then mode.
func (s *WorkItemStore) List(_ context.Context, filter ingest.ItemFilter) ([]ingest.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.WorkItem, 0)
	for _, item := range s.items {
		if filter.Matches(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Mode < out[j].Mode
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Stats aggregates counts per mode and status.
func (s *WorkItemStore) Stats(_ context.Context) (ingest.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := ingest.NewStats()
	st.Codes = len(s.codes)
	for _, item := range s.items {
		st.Total++
		st.ByMode[item.Mode][item.Status]++
	}
	for _, code := range s.codes {
		done := true
		for _, mode := range ingest.Modes() {
			if s.items[ingest.Key{Code: code, Mode: mode}].Status != ingest.StatusCompleted {
				done = false
				break
			}
		}
		if done {
			st.CodesDone++
		}
	}
	return st, nil
}

// Ping always succeeds.
func (s *WorkItemStore) Ping(context.Context) error {
	return nil
}

// StartRun records a new run.
func (s *WorkItemStore) StartRun(_ context.Context, run ingest.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// FinishRun replaces a recorded run with its final state.
func (s *WorkItemStore) FinishRun(_ context.Context, run ingest.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ingest.ErrNotFound)
	}
	s.runs[run.ID] = run
	return nil
}

// ListRuns returns the newest runs first.
func (s *WorkItemStore) ListRuns(_ context.Context, limit int) ([]ingest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
