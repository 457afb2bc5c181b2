package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archon-labs/archon/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors
// for jobs started/completed/running plus page, chunk, and code-example
// counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	pagesProcessed prometheus.Counter
	chunksStored   prometheus.Counter
	codeExamples   prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archon_jobs_started_total",
			Help: "Total crawl jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archon_jobs_completed_total",
			Help: "Total crawl jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archon_jobs_running",
			Help: "Current number of running crawl jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archon_job_runtime_seconds",
			Help:    "Wall time per completed crawl job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		pagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archon_pages_processed_total",
			Help: "Pages crawled and processed across all jobs.",
		}),
		chunksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archon_chunks_stored_total",
			Help: "Chunk rows written across all jobs.",
		}),
		codeExamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archon_code_examples_stored_total",
			Help: "Code example rows written across all jobs.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.pagesProcessed,
		s.chunksStored,
		s.codeExamples,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Status {
	case progress.StageStarting:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsRunning.Inc()
		}
	case progress.StageCompleted:
		s.jobsCompleted.WithLabelValues("success").Inc()
		s.finishJob(evt, "success")
		s.chunksStored.Add(float64(evt.ChunksStored))
		s.codeExamples.Add(float64(evt.CodeExamplesFound))
		s.pagesProcessed.Add(float64(evt.ProcessedPages))
	case progress.StageError:
		s.jobsCompleted.WithLabelValues("error").Inc()
		s.finishJob(evt, "error")
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	started, ok := s.tracker.complete(evt.JobID)
	if !ok {
		return
	}
	s.jobsRunning.Dec()
	if dur := evt.TS.Sub(started); dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]time.Time)}
}

func (t *runTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *runTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return started, true
}
