package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/archon-labs/archon/internal/progress"
)

func TestPrometheusSinkCountsJobLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	batch := []progress.Event{
		{JobID: "job-1", Status: progress.StageStarting, TS: start},
		{JobID: "job-2", Status: progress.StageStarting, TS: start},
		{JobID: "job-1", Status: progress.StageCrawling, Progress: 20, TS: start.Add(time.Second)},
		{
			JobID:             "job-1",
			Status:            progress.StageCompleted,
			TS:                start.Add(40 * time.Second),
			ChunksStored:      30,
			CodeExamplesFound: 4,
			ProcessedPages:    9,
		},
		{JobID: "job-2", Status: progress.StageError, TS: start.Add(10 * time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, 30.0, testutil.ToFloat64(sink.chunksStored))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.codeExamples))
	require.Equal(t, 9.0, testutil.ToFloat64(sink.pagesProcessed))
}

// A duplicate start for the same job must not double the running gauge,
// and a terminal event for an unknown job must not drive it negative.
func TestPrometheusSinkRunningGaugeStaysConsistent(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", Status: progress.StageStarting, TS: now},
		{JobID: "job-1", Status: progress.StageStarting, TS: now},
		{JobID: "unknown", Status: progress.StageError, TS: now},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
