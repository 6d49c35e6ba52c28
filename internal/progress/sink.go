package progress

import "context"

// Sink receives batches from the Hub. Consume is called from one goroutine at
// a time and gets a batch it may keep.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to Sink. Close is a no-op.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// Close implements Sink.
func (SinkFunc) Close(context.Context) error { return nil }

// Emitter is what the worker and scheduler report to.
type Emitter interface {
	Emit(evt Event)
}
