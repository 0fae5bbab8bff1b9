package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/progress"
	"github.com/JakeFAU/streamq/internal/streaming"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Stringer("query_id", evt.QueryID),
			zap.Stringer("run_id", evt.RunID),
			zap.Time("ts", evt.TS),
		}
		if evt.Name != "" {
			fields = append(fields, zap.String("name", evt.Name))
		}
		if p := evt.Progress; p != nil {
			fields = append(fields,
				zap.Int64("batch_id", p.BatchID),
				zap.Int64("num_input_rows", p.NumInputRows),
				zap.Float64("processed_rows_per_second", p.ProcessedRowsPerSecond),
			)
		}
		switch {
		case evt.Failed():
			s.logger.Warn("query event", append(fields, zap.String("exception", evt.Exception))...)
		case evt.Kind == streaming.KindIdle:
			s.logger.Debug("query event", fields...)
		default:
			s.logger.Info("query event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
