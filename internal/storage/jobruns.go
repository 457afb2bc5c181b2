package storage

import (
	"context"

	"github.com/archon-labs/archon/internal/progress"
)

// RunRecorder adapts a Store to the progress store sink, translating
// lifecycle events into archon_job_runs rows.
type RunRecorder struct {
	store Store
}

// NewRunRecorder wraps a store for the progress pipeline.
func NewRunRecorder(store Store) *RunRecorder {
	return &RunRecorder{store: store}
}

// StartJobRun records the job as running.
func (r *RunRecorder) StartJobRun(ctx context.Context, evt progress.Event) error {
	return r.store.InsertJobRun(ctx, JobRun{
		ID:        evt.JobID,
		StartedAt: evt.TS,
	})
}

// CompleteJobRun marks the run terminal with the event's final counters.
func (r *RunRecorder) CompleteJobRun(ctx context.Context, evt progress.Event) error {
	finished := evt.TS
	run := JobRun{
		ID:             evt.JobID,
		FinishedAt:     &finished,
		Status:         RunCompleted,
		ChunksStored:   evt.ChunksStored,
		PagesProcessed: evt.ProcessedPages,
	}
	if evt.Status == progress.StageError {
		run.Status = RunError
		if evt.Err != "" {
			msg := evt.Err
			run.ErrorMessage = &msg
		}
	}
	return r.store.FinishJobRun(ctx, run)
}
