// Package artifact lays out raw, processed and normalized payloads on a blob
// store and indexes where they land.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

const contentType = "application/json"

// Config controls where artifacts land.
type Config struct {
	// Prefix is prepended to every object path.
	Prefix string
	// Location decides which calendar day an artifact date falls on.
	Location *time.Location
}

// Store implements ingest.ArtifactStore on top of an ingest.BlobStore.
type Store struct {
	blobs  ingest.BlobStore
	hasher ingest.Hasher
	clock  ingest.Clock
	index  ingest.ArtifactIndex
	cfg    Config
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIndex records every write in idx.
func WithIndex(idx ingest.ArtifactIndex) Option {
	return func(s *Store) { s.index = idx }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Store.
func New(blobs ingest.BlobStore, hasher ingest.Hasher, clock ingest.Clock, cfg Config, opts ...Option) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	s := &Store{blobs: blobs, hasher: hasher, clock: clock, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the object path for a kind, mode, date and code.
func (s *Store) Path(kind ingest.ArtifactKind, mode ingest.Mode, date time.Time, code string) string {
	name := fmt.Sprintf("HS_%s.json", code)
	return path.Join(s.cfg.Prefix, string(kind), string(mode), s.day(date), name)
}

func (s *Store) day(t time.Time) string {
	if t.IsZero() {
		t = s.clock.Now()
	}
	return t.In(s.cfg.Location).Format(time.DateOnly)
}

// Put encodes a.Payload as JSON and writes it. Writing the same key twice
// replaces the earlier object.
func (s *Store) Put(ctx context.Context, a ingest.Artifact) (ingest.ArtifactRef, error) {
	if a.Code == "" {
		return ingest.ArtifactRef{}, fmt.Errorf("artifact code is required")
	}
	switch a.Kind {
	case ingest.KindRaw, ingest.KindProcessed, ingest.KindNormalized:
	default:
		return ingest.ArtifactRef{}, fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	data, err := json.MarshalIndent(a.Payload, "", "  ")
	if err != nil {
		return ingest.ArtifactRef{}, fmt.Errorf("encode %s artifact: %w", a.Kind, err)
	}
	digest, err := s.hasher.Hash(data)
	if err != nil {
		return ingest.ArtifactRef{}, fmt.Errorf("hash %s artifact: %w", a.Kind, err)
	}

	objectPath := s.Path(a.Kind, a.Mode, a.Date, a.Code)
	uri, err := s.blobs.PutObject(ctx, objectPath, contentType, data)
	if err != nil {
		return ingest.ArtifactRef{}, fmt.Errorf("put %s: %w", objectPath, err)
	}
	ref := ingest.ArtifactRef{
		Kind:        a.Kind,
		Mode:        a.Mode,
		Code:        a.Code,
		Date:        s.day(a.Date),
		Path:        objectPath,
		URI:         uri,
		ContentHash: digest,
		Size:        len(data),
		WrittenAt:   s.clock.Now(),
	}
	if s.index != nil {
		if err := s.index.RecordArtifact(ctx, ref); err != nil {
			return ref, fmt.Errorf("index %s: %w", objectPath, err)
		}
	}
	s.logger.Debug("artifact written",
		zap.String("uri", uri),
		zap.String("kind", string(a.Kind)),
		zap.Int("bytes", len(data)),
	)
	return ref, nil
}
