package ingest

import (
	"context"
	"time"
)

// WorkItemStore persists per-code, per-mode ingestion state. Writes to the same
// key are serialized by the caller; implementations only guarantee single-item
// atomicity.
type WorkItemStore interface {
	Seed(ctx context.Context, codes []string) (int, error)
	ListPending(ctx context.Context, mode Mode) ([]string, error)
	MarkRunning(ctx context.Context, code string, mode Mode) error
	MarkCompleted(ctx context.Context, code string, mode Mode) error
	MarkFailed(ctx context.Context, code string, mode Mode, cause string) error
	ResetStaleRunning(ctx context.Context) (int, error)
	RequeueFailed(ctx context.Context, maxErrors int) (int, error)
	ItemReader
}

// ItemReader exposes the read-only accessors used for status reporting.
type ItemReader interface {
	Get(ctx context.Context, code string) ([]WorkItem, error)
	List(ctx context.Context, filter ItemFilter) ([]WorkItem, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// RunStore records scheduler run history.
type RunStore interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Page is one browser tab driven by the scraper.
type Page interface {
	Navigate(ctx context.Context, url, readySelector string) error
	OptionLabels(ctx context.Context, selector string) ([]string, error)
	Fill(ctx context.Context, selector, value string) error
	SelectByLabel(ctx context.Context, selector, label string) error
	Click(ctx context.Context, selector, readySelector string) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// PagePool hands out exclusive Pages.
type PagePool interface {
	Acquire(ctx context.Context) (Page, error)
	Release(page Page) error
}

// Throttler delays callers so requests to one key stay spaced out.
type Throttler interface {
	Wait(ctx context.Context, key string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// ArtifactStore persists raw and derived payloads. Put with the same key overwrites.
type ArtifactStore interface {
	Put(ctx context.Context, artifact Artifact) (ArtifactRef, error)
}

// ArtifactIndex records where an artifact was written.
type ArtifactIndex interface {
	RecordArtifact(ctx context.Context, ref ArtifactRef) error
}

// Publisher pushes completion notices to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
