package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls and honor ctx deadlines. The Hub never calls one sink
// concurrently, but different sinks consume the same batch in parallel, so
// batches are read-only.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// producers can remain agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}
