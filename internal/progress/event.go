package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageItemStart  Stage = "ITEM_START"
	StageModeDone   Stage = "MODE_DONE"
	StageModeFailed Stage = "MODE_FAILED"
	StageItemDone   Stage = "ITEM_DONE"
	StageChunkDone  Stage = "CHUNK_DONE"
	StageRunDone    Stage = "RUN_DONE"
)

// Critical reports whether the stage marks a run or chunk boundary or a mode
// failure. The Hub sheds critical events only when its buffer is full.
func (s Stage) Critical() bool {
	switch s {
	case StageRunStart, StageRunDone, StageChunkDone, StageModeFailed:
		return true
	default:
		return false
	}
}

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies the scheduler run; empty for ad hoc work.
	RunID string
	// TS is the timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Code and Mode scope item events.
	Code string
	Mode ingest.Mode
	// Status carries the scrape result status for mode events or the run
	// status for RUN_DONE.
	Status string
	// Attempts is the number of scrape attempts a mode needed.
	Attempts int
	// Records is the number of partner rows captured.
	Records int
	// Count is the number of items in a chunk or dispatched by a run.
	Count int
	// Dur captures latency for modes, items, chunks and runs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
		if e.RunID == "" {
			return errors.New("run events require a run id")
		}
	case StageItemStart, StageItemDone:
		if e.Code == "" {
			return errors.New("item events require a code")
		}
	case StageModeDone, StageModeFailed:
		if e.Code == "" || e.Mode == "" {
			return errors.New("mode events require code and mode")
		}
	case StageChunkDone:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

type runIDKey struct{}

// WithRunID attaches the run ID to ctx so nested emitters can tag events.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run ID stored by WithRunID, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
