package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/artifact"
	"github.com/JakeFAU/tradestat-ingest/internal/hash/sha256"
	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/normalize"
	"github.com/JakeFAU/tradestat-ingest/internal/progress"
	"github.com/JakeFAU/tradestat-ingest/internal/retry"
	"github.com/JakeFAU/tradestat-ingest/internal/storage/memory"
	"github.com/JakeFAU/tradestat-ingest/internal/storage/storetest"
)

var testNow = time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)

type scrapeFunc func(ctx context.Context, code string, mode ingest.Mode, attempt int) (ingest.ScrapeResult, error)

type fakeScraper struct {
	mu    sync.Mutex
	calls map[ingest.Key]int
	fn    scrapeFunc
}

func newFakeScraper(fn scrapeFunc) *fakeScraper {
	return &fakeScraper{calls: make(map[ingest.Key]int), fn: fn}
}

func (f *fakeScraper) Run(ctx context.Context, code string, mode ingest.Mode) (ingest.ScrapeResult, error) {
	f.mu.Lock()
	key := ingest.Key{Code: code, Mode: mode}
	f.calls[key]++
	attempt := f.calls[key]
	f.mu.Unlock()
	return f.fn(ctx, code, mode, attempt)
}

func (f *fakeScraper) attempts(code string, mode ingest.Mode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ingest.Key{Code: code, Mode: mode}]
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "rec-1", nil }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", fmt.Errorf("pub failure")
}

type published struct {
	topic   string
	payload any
}

// recordingPublisher keeps every notice it is handed.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return fmt.Sprintf("msg-%d", len(p.msgs)), nil
}

func (p *recordingPublisher) Messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

// cancelingArtifacts cancels the item's context on the first Put, the way a
// shutdown signal would land mid-write.
type cancelingArtifacts struct {
	next   ingest.ArtifactStore
	cancel context.CancelFunc
}

func (a *cancelingArtifacts) Put(ctx context.Context, art ingest.Artifact) (ingest.ArtifactRef, error) {
	a.cancel()
	<-ctx.Done()
	return ingest.ArtifactRef{}, fmt.Errorf("write %s: %w", art.Kind, ctx.Err())
}

// flakyStore fails MarkRunning for one mode.
type flakyStore struct {
	*memory.WorkItemStore
	failMode ingest.Mode
}

func (s *flakyStore) MarkRunning(ctx context.Context, code string, mode ingest.Mode) error {
	if mode == s.failMode {
		return fmt.Errorf("db blip")
	}
	return s.WorkItemStore.MarkRunning(ctx, code, mode)
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) stages() []progress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]progress.Stage, 0, len(l.events))
	for _, evt := range l.events {
		out = append(out, evt.Stage)
	}
	return out
}

func result(code string, mode ingest.Mode, partners int) ingest.ScrapeResult {
	yd := ingest.YearData{Year: "2024-2025", Pages: 1}
	for i := 1; i <= partners; i++ {
		yd.Partners = append(yd.Partners, ingest.PartnerRow{
			Index:   fmt.Sprint(i),
			Partner: fmt.Sprintf("COUNTRY %d", i),
			ValueA:  "1,000.50",
			ValueB:  "2,000",
		})
	}
	res := ingest.ScrapeResult{
		Status: ingest.ResultSuccess,
		Metadata: ingest.Metadata{
			Code:         code,
			Mode:         mode,
			SourceURL:    "https://tradestat.example/" + string(mode),
			PagesVisited: 1,
			CapturedAt:   testNow,
		},
		DataByYear: []ingest.YearData{yd},
	}
	res.Derive()
	return res
}

func succeed(partners int) scrapeFunc {
	return func(_ context.Context, code string, mode ingest.Mode, _ int) (ingest.ScrapeResult, error) {
		return result(code, mode, partners), nil
	}
}

type harness struct {
	store     *memory.WorkItemStore
	blobs     *memory.BlobStore
	publisher *recordingPublisher
	events    *eventLog
	scraper   *fakeScraper
	worker    *Worker
}

// wiring lets a test interpose on the store or artifact store the worker sees.
type wiring struct {
	store     func(*memory.WorkItemStore) ingest.WorkItemStore
	artifacts func(ingest.ArtifactStore) ingest.ArtifactStore
}

func newHarness(t *testing.T, fn scrapeFunc, opts ...Option) *harness {
	t.Helper()
	return newWiredHarness(t, fn, wiring{}, opts...)
}

func newWiredHarness(t *testing.T, fn scrapeFunc, wire wiring, opts ...Option) *harness {
	t.Helper()
	clock := storetest.NewClock(testNow)
	h := &harness{
		store:     memory.NewWorkItemStore(clock),
		blobs:     memory.NewBlobStore(),
		publisher: &recordingPublisher{},
		events:    &eventLog{},
		scraper:   newFakeScraper(fn),
	}
	artifacts, err := artifact.New(h.blobs, sha256.New(), clock, artifact.Config{Prefix: "data"})
	require.NoError(t, err)
	policy := retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))

	var store ingest.WorkItemStore = h.store
	if wire.store != nil {
		store = wire.store(h.store)
	}
	var arts ingest.ArtifactStore = artifacts
	if wire.artifacts != nil {
		arts = wire.artifacts(artifacts)
	}

	base := []Option{WithPublisher(h.publisher), WithClock(clock), WithEmitter(h.events)}
	h.worker = New(h.scraper, policy, store, arts, normalize.NewProcessor(fixedIDs{}, clock),
		Config{Topic: "tradestat-artifacts"}, zap.NewNop(), append(base, opts...)...)
	return h
}

func (h *harness) seed(t *testing.T, codes ...string) {
	t.Helper()
	_, err := h.store.Seed(t.Context(), codes)
	require.NoError(t, err)
}

func (h *harness) status(t *testing.T, code string) map[ingest.Mode]ingest.WorkItem {
	t.Helper()
	items, err := h.store.Get(t.Context(), code)
	require.NoError(t, err)
	out := make(map[ingest.Mode]ingest.WorkItem, len(items))
	for _, item := range items {
		out[item.Mode] = item
	}
	return out
}
