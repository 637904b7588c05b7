// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/events"
)

// LogSink emits structured logs for lifecycle events. Useful during
// development or audits where no external subscriber is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("job event",
			zap.String("job_id", evt.JobID),
			zap.String("type", string(evt.Type)),
			zap.Int("completed", evt.Completed),
			zap.Int("total", evt.Total),
			zap.String("note", evt.Note),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
