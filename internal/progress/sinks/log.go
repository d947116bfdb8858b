package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/scrag-io/crawld/internal/progress"
)

// LogSink writes every event to a zap logger. It is mostly useful in
// development and as a last-resort audit trail when no other sink is
// configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink that logs events at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("domain", evt.Domain),
			zap.String("url", evt.URL),
			zap.String("outcome", evt.Outcome),
			zap.String("kind", evt.Kind),
			zap.Int("attempt", evt.Attempt),
			zap.Int64("bytes", evt.Bytes),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error { return nil }
