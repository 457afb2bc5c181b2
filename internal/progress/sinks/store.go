package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/progress"
)

// JobRunRecorder persists job run lifecycle rows. The Postgres store
// satisfies this interface.
type JobRunRecorder interface {
	StartJobRun(ctx context.Context, run progress.Event) error
	CompleteJobRun(ctx context.Context, run progress.Event) error
}

// StoreSink records job starts and completions in the job-run store so
// history survives restarts. Mid-stage events are not persisted; the
// Tracker serves those.
type StoreSink struct {
	recorder JobRunRecorder
	logger   *zap.Logger
}

// NewStoreSink wires the recorder and logger.
func NewStoreSink(recorder JobRunRecorder, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{recorder: recorder, logger: logger}
}

// Consume persists lifecycle events from the batch. A failed write is
// logged and skipped; persistence lag must never stall the pipeline.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.recorder == nil {
		return fmt.Errorf("store sink has no recorder")
	}
	for _, evt := range batch {
		var err error
		switch evt.Status {
		case progress.StageStarting:
			err = s.recorder.StartJobRun(ctx, evt)
		case progress.StageCompleted, progress.StageError:
			err = s.recorder.CompleteJobRun(ctx, evt)
		default:
			continue
		}
		if err != nil {
			s.logger.Warn("job run persistence failed",
				zap.String("progress_id", evt.JobID),
				zap.String("status", string(evt.Status)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
