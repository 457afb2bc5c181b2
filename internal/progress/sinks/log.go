// Package sinks provides progress.Sink implementations for logging,
// metrics, and persistence.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/progress"
)

// LogSink writes progress events to the structured log. Mid-stage deltas
// log at debug; stage transitions and terminal events log at info/error.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires the logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("progress_id", evt.JobID),
			zap.String("status", string(evt.Status)),
			zap.Float64("percentage", evt.Progress),
		}
		if evt.CurrentURL != "" {
			fields = append(fields, zap.String("url", evt.CurrentURL))
		}
		switch {
		case evt.Status == progress.StageError:
			s.logger.Error("job failed", append(fields, zap.String("error", evt.Err))...)
		case evt.Status == progress.StageCompleted:
			s.logger.Info("job completed", append(fields,
				zap.Int("chunks_stored", evt.ChunksStored),
				zap.Int("code_examples_found", evt.CodeExamplesFound),
				zap.Int("processed_pages", evt.ProcessedPages),
			)...)
		case evt.Message != "":
			s.logger.Info(evt.Message, fields...)
		default:
			s.logger.Debug("progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
