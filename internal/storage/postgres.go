package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore connects a pool using the provided config.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxPool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertSource inserts or updates a source aggregate keyed by source_id.
func (s *PostgresStore) UpsertSource(ctx context.Context, src SourceRecord) error {
	if src.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	metadata, err := marshalMetadata(src.Metadata)
	if err != nil {
		return err
	}
	query := `
INSERT INTO archon_sources (source_id, title, summary, total_word_count, metadata, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (source_id) DO UPDATE SET
	title = EXCLUDED.title,
	summary = EXCLUDED.summary,
	total_word_count = EXCLUDED.total_word_count,
	metadata = EXCLUDED.metadata,
	updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, src.SourceID, src.Title, src.Summary, src.TotalWordCount, metadata); err != nil {
		return fmt.Errorf("upsert source %s: %w", src.SourceID, err)
	}
	return nil
}

// GetSource loads one source row or returns ErrNotFound.
func (s *PostgresStore) GetSource(ctx context.Context, sourceID string) (SourceRecord, error) {
	query := `
SELECT source_id, title, summary, total_word_count, metadata, updated_at
FROM archon_sources
WHERE source_id = $1`
	var (
		src      SourceRecord
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, query, sourceID).
		Scan(&src.SourceID, &src.Title, &src.Summary, &src.TotalWordCount, &metadata, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SourceRecord{}, ErrNotFound
	}
	if err != nil {
		return SourceRecord{}, fmt.Errorf("get source %s: %w", sourceID, err)
	}
	src.Metadata = unmarshalMetadata(metadata)
	return src, nil
}

// ReplaceChunks deletes existing chunk rows for the URL and inserts the
// replacements inside one transaction, so a recrawl never leaves a mix of
// old and new rows.
func (s *PostgresStore) ReplaceChunks(ctx context.Context, url string, chunks []ChunkRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace chunks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM archon_crawled_pages WHERE url = $1`, url); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", url, err)
	}
	for _, chunk := range chunks {
		if err := insertChunkTx(ctx, tx, chunk); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace chunks: %w", err)
	}
	return nil
}

// DeleteChunksByURL removes every chunk row for the URL.
func (s *PostgresStore) DeleteChunksByURL(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM archon_crawled_pages WHERE url = $1`, url); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", url, err)
	}
	return nil
}

// InsertChunk inserts one chunk row outside a transaction.
func (s *PostgresStore) InsertChunk(ctx context.Context, chunk ChunkRecord) error {
	return insertChunkTx(ctx, s.pool, chunk)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertChunkTx(ctx context.Context, db execer, chunk ChunkRecord) error {
	metadata, err := marshalMetadata(chunk.Metadata)
	if err != nil {
		return err
	}
	query := `
INSERT INTO archon_crawled_pages (url, chunk_number, content, metadata, source_id, embedding)
VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := db.Exec(ctx, query,
		chunk.URL, chunk.ChunkNumber, chunk.Content, metadata, chunk.SourceID,
		pgvector.NewVector(chunk.Embedding),
	); err != nil {
		return fmt.Errorf("insert chunk %s#%d: %w", chunk.URL, chunk.ChunkNumber, err)
	}
	return nil
}

// MatchChunks runs a cosine similarity search over stored chunks.
func (s *PostgresStore) MatchChunks(ctx context.Context, embedding []float32, count int, sourceFilter string) ([]MatchResult, error) {
	query := `
SELECT url, chunk_number, content, metadata, source_id, 1 - (embedding <=> $1) AS similarity
FROM archon_crawled_pages
WHERE ($2 = '' OR source_id = $2)
ORDER BY embedding <=> $1
LIMIT $3`
	return s.queryMatches(ctx, query, false, embedding, sourceFilter, count)
}

// ReplaceCodeExamples mirrors ReplaceChunks for code example rows.
func (s *PostgresStore) ReplaceCodeExamples(ctx context.Context, url string, examples []CodeExampleRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace code examples: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM archon_code_examples WHERE url = $1`, url); err != nil {
		return fmt.Errorf("delete code examples for %s: %w", url, err)
	}
	for _, example := range examples {
		if err := insertCodeExampleTx(ctx, tx, example); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace code examples: %w", err)
	}
	return nil
}

// InsertCodeExample inserts one code example row.
func (s *PostgresStore) InsertCodeExample(ctx context.Context, example CodeExampleRecord) error {
	return insertCodeExampleTx(ctx, s.pool, example)
}

func insertCodeExampleTx(ctx context.Context, db execer, example CodeExampleRecord) error {
	metadata, err := marshalMetadata(example.Metadata)
	if err != nil {
		return err
	}
	query := `
INSERT INTO archon_code_examples (url, chunk_number, content, summary, metadata, source_id, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := db.Exec(ctx, query,
		example.URL, example.ChunkNumber, example.Content, example.Summary, metadata, example.SourceID,
		pgvector.NewVector(example.Embedding),
	); err != nil {
		return fmt.Errorf("insert code example %s#%d: %w", example.URL, example.ChunkNumber, err)
	}
	return nil
}

// MatchCodeExamples runs a cosine similarity search over code examples.
func (s *PostgresStore) MatchCodeExamples(ctx context.Context, embedding []float32, count int, sourceFilter string) ([]MatchResult, error) {
	query := `
SELECT url, chunk_number, content, summary, metadata, source_id, 1 - (embedding <=> $1) AS similarity
FROM archon_code_examples
WHERE ($2 = '' OR source_id = $2)
ORDER BY embedding <=> $1
LIMIT $3`
	return s.queryMatches(ctx, query, true, embedding, sourceFilter, count)
}

func (s *PostgresStore) queryMatches(ctx context.Context, query string, withSummary bool, embedding []float32, sourceFilter string, count int) ([]MatchResult, error) {
	if count <= 0 {
		count = 5
	}
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), sourceFilter, count)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var matches []MatchResult
	for rows.Next() {
		var (
			m        MatchResult
			metadata []byte
		)
		if withSummary {
			err = rows.Scan(&m.URL, &m.ChunkNumber, &m.Content, &m.Summary, &metadata, &m.SourceID, &m.Similarity)
		} else {
			err = rows.Scan(&m.URL, &m.ChunkNumber, &m.Content, &metadata, &m.SourceID, &m.Similarity)
		}
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Metadata = unmarshalMetadata(metadata)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

// InsertJobRun records a run as running.
func (s *PostgresStore) InsertJobRun(ctx context.Context, run JobRun) error {
	if run.ID == "" {
		return fmt.Errorf("job run id is required")
	}
	query := `
INSERT INTO archon_job_runs (id, started_at, status)
VALUES ($1,$2,$3)
ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.StartedAt, RunRunning); err != nil {
		return fmt.Errorf("insert job run %s: %w", run.ID, err)
	}
	return nil
}

// FinishJobRun marks a run terminal with final counters.
func (s *PostgresStore) FinishJobRun(ctx context.Context, run JobRun) error {
	query := `
UPDATE archon_job_runs
SET finished_at = $2, status = $3, error_message = $4, chunks_stored = $5, pages_processed = $6
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		run.ID, run.FinishedAt, run.Status, run.ErrorMessage, run.ChunksStored, run.PagesProcessed)
	if err != nil {
		return fmt.Errorf("finish job run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobRun loads one run or returns ErrNotFound.
func (s *PostgresStore) GetJobRun(ctx context.Context, id string) (JobRun, error) {
	query := `
SELECT id, started_at, finished_at, status, error_message, chunks_stored, pages_processed
FROM archon_job_runs
WHERE id = $1`
	var run JobRun
	err := s.pool.QueryRow(ctx, query, id).
		Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage, &run.ChunksStored, &run.PagesProcessed)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobRun{}, ErrNotFound
	}
	if err != nil {
		return JobRun{}, fmt.Errorf("get job run %s: %w", id, err)
	}
	return run, nil
}

// ListJobRuns returns runs newest-first.
func (s *PostgresStore) ListJobRuns(ctx context.Context, limit, offset int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
SELECT id, started_at, finished_at, status, error_message, chunks_stored, pages_processed
FROM archon_job_runs
ORDER BY started_at DESC
LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var run JobRun
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage, &run.ChunksStored, &run.PagesProcessed); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return runs, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
