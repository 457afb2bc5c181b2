package storage

import (
	"context"
	"fmt"
)

// Migrate creates the schema if it does not exist. dim fixes the pgvector
// column width and must match the embedding model's output.
func (s *PostgresStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS archon_sources (
			source_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			total_word_count INTEGER NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS archon_crawled_pages (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			chunk_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			source_id TEXT NOT NULL REFERENCES archon_sources(source_id),
			embedding VECTOR(%d),
			UNIQUE (url, chunk_number)
		)`, dim),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS archon_code_examples (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			chunk_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			source_id TEXT NOT NULL REFERENCES archon_sources(source_id),
			embedding VECTOR(%d),
			UNIQUE (url, chunk_number)
		)`, dim),
		`CREATE TABLE IF NOT EXISTS archon_job_runs (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			error_message TEXT,
			chunks_stored INTEGER NOT NULL DEFAULT 0,
			pages_processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crawled_pages_source ON archon_crawled_pages (source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_code_examples_source ON archon_code_examples (source_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
