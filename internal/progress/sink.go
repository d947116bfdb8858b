package progress

import "context"

// Sink consumes batches of progress events delivered by the Hub. Consume is
// called from a single goroutine with batches in emission order; Close is
// called once during shutdown after the final flush. Implementations must
// honor ctx deadlines and never retain the batch slice.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
