// Package storage persists sources, chunks, code examples, and job runs
// in Postgres with pgvector embeddings.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the archon_job_runs status column.
type RunStatus string

// Job run statuses persisted in archon_job_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// SourceRecord is one row of archon_sources, the per-host aggregate a
// chunk must reference before it can be stored.
type SourceRecord struct {
	SourceID       string
	Title          string
	Summary        string
	TotalWordCount int
	Metadata       map[string]any
	UpdatedAt      time.Time
}

// ChunkRecord is one row of archon_crawled_pages. (URL, ChunkNumber) is
// unique; a recrawl replaces all rows for the URL.
type ChunkRecord struct {
	URL         string
	ChunkNumber int
	Content     string
	Metadata    map[string]any
	SourceID    string
	Embedding   []float32
}

// CodeExampleRecord is one row of archon_code_examples.
type CodeExampleRecord struct {
	URL         string
	ChunkNumber int
	Content     string
	Summary     string
	Metadata    map[string]any
	SourceID    string
	Embedding   []float32
}

// MatchResult is a similarity-search hit. Similarity is 1 - cosine
// distance, higher is closer.
type MatchResult struct {
	URL         string
	ChunkNumber int
	Content     string
	Summary     string
	Metadata    map[string]any
	SourceID    string
	Similarity  float64
}

// JobRun models the archon_job_runs table for the store sink and the
// job-history API.
type JobRun struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         RunStatus
	ErrorMessage   *string
	ChunksStored   int
	PagesProcessed int
}

// Store is the persistence contract the pipeline depends on.
type Store interface {
	// UpsertSource inserts or updates a source aggregate.
	UpsertSource(ctx context.Context, src SourceRecord) error
	// GetSource loads a source or returns ErrNotFound. Callers use it to
	// verify an upsert before any chunk references the source.
	GetSource(ctx context.Context, sourceID string) (SourceRecord, error)

	// ReplaceChunks deletes all chunk rows for the URL and inserts the
	// replacements in one transaction.
	ReplaceChunks(ctx context.Context, url string, chunks []ChunkRecord) error
	// DeleteChunksByURL removes every chunk row for the URL.
	DeleteChunksByURL(ctx context.Context, url string) error
	// InsertChunk inserts a single chunk row, the row-by-row fallback path.
	InsertChunk(ctx context.Context, chunk ChunkRecord) error
	// MatchChunks runs a cosine similarity search over stored chunks.
	MatchChunks(ctx context.Context, embedding []float32, count int, sourceFilter string) ([]MatchResult, error)

	// ReplaceCodeExamples mirrors ReplaceChunks for code example rows.
	ReplaceCodeExamples(ctx context.Context, url string, examples []CodeExampleRecord) error
	// InsertCodeExample inserts a single code example row.
	InsertCodeExample(ctx context.Context, example CodeExampleRecord) error
	// MatchCodeExamples runs a cosine similarity search over code examples.
	MatchCodeExamples(ctx context.Context, embedding []float32, count int, sourceFilter string) ([]MatchResult, error)

	// InsertJobRun records a job as running.
	InsertJobRun(ctx context.Context, run JobRun) error
	// FinishJobRun marks a run completed or errored with final counters.
	FinishJobRun(ctx context.Context, run JobRun) error
	// GetJobRun loads a run or returns ErrNotFound.
	GetJobRun(ctx context.Context, id string) (JobRun, error)
	// ListJobRuns returns runs newest-first with limit/offset paging.
	ListJobRuns(ctx context.Context, limit, offset int) ([]JobRun, error)

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error
	// Close releases the underlying pool.
	Close()
}
