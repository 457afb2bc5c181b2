package sinks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archon-labs/archon/internal/progress"
)

type fakeRecorder struct {
	started     []string
	completed   []string
	startErr    error
	completeErr error
}

func (f *fakeRecorder) StartJobRun(_ context.Context, run progress.Event) error {
	f.started = append(f.started, run.JobID)
	return f.startErr
}

func (f *fakeRecorder) CompleteJobRun(_ context.Context, run progress.Event) error {
	f.completed = append(f.completed, run.JobID)
	return f.completeErr
}

func TestStoreSinkPersistsLifecycleEventsOnly(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, nil)

	batch := []progress.Event{
		{JobID: "job-1", Status: progress.StageStarting},
		{JobID: "job-1", Status: progress.StageCrawling, Progress: 12},
		{JobID: "job-1", Status: progress.StageDocumentStorage, Progress: 60},
		{JobID: "job-1", Status: progress.StageCompleted, Progress: 100},
		{JobID: "job-2", Status: progress.StageError, Err: "boom"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"job-1"}, rec.started)
	require.Equal(t, []string{"job-1", "job-2"}, rec.completed)
}

// A failed write is logged and dropped so a slow or broken store never
// stalls the hub.
func TestStoreSinkSwallowsRecorderErrors(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{
		startErr:    errors.New("insert failed"),
		completeErr: errors.New("update failed"),
	}
	sink := NewStoreSink(rec, nil)

	batch := []progress.Event{
		{JobID: "job-1", Status: progress.StageStarting},
		{JobID: "job-1", Status: progress.StageCompleted},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, rec.started, 1)
	require.Len(t, rec.completed, 1)
}

func TestStoreSinkRequiresRecorder(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	err := sink.Consume(context.Background(), []progress.Event{{JobID: "job-1"}})
	require.Error(t, err)
}
