package storage

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestUpsertSource(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO archon_sources").
		WithArgs("example.com", "Example Docs", "A documentation site", 1234, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertSource(context.Background(), SourceRecord{
		SourceID:       "example.com",
		Title:          "Example Docs",
		Summary:        "A documentation site",
		TotalWordCount: 1234,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT source_id, title, summary").
		WithArgs("missing.example").
		WillReturnRows(pgxmock.NewRows([]string{"source_id", "title", "summary", "total_word_count", "metadata", "updated_at"}))

	_, err := store.GetSource(context.Background(), "missing.example")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT source_id, title, summary").
		WithArgs("example.com").
		WillReturnRows(pgxmock.
			NewRows([]string{"source_id", "title", "summary", "total_word_count", "metadata", "updated_at"}).
			AddRow("example.com", "Example", "summary", 10, []byte(`{"kind":"docs"}`), now))

	src, err := store.GetSource(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, "Example", src.Title)
	require.Equal(t, "docs", src.Metadata["kind"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceChunksRunsInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://example.com/docs"
	chunks := []ChunkRecord{
		{URL: url, ChunkNumber: 0, Content: "first", SourceID: "example.com", Embedding: []float32{0.1, 0.2}},
		{URL: url, ChunkNumber: 1, Content: "second", SourceID: "example.com", Embedding: []float32{0.3, 0.4}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM archon_crawled_pages").
		WithArgs(url).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	for _, chunk := range chunks {
		mock.ExpectExec("INSERT INTO archon_crawled_pages").
			WithArgs(chunk.URL, chunk.ChunkNumber, chunk.Content, []byte(`{}`), chunk.SourceID, pgvector.NewVector(chunk.Embedding)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	err := store.ReplaceChunks(context.Background(), url, chunks)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceChunksRollsBackOnInsertFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://example.com/docs"
	chunk := ChunkRecord{URL: url, ChunkNumber: 0, Content: "first", SourceID: "example.com", Embedding: []float32{0.1}}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM archon_crawled_pages").
		WithArgs(url).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO archon_crawled_pages").
		WithArgs(chunk.URL, chunk.ChunkNumber, chunk.Content, []byte(`{}`), chunk.SourceID, pgvector.NewVector(chunk.Embedding)).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err := store.ReplaceChunks(context.Background(), url, []ChunkRecord{chunk})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchChunksScansSimilarity(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	embedding := []float32{0.5, 0.5}
	mock.ExpectQuery("SELECT url, chunk_number, content, metadata, source_id").
		WithArgs(pgvector.NewVector(embedding), "", 2).
		WillReturnRows(pgxmock.
			NewRows([]string{"url", "chunk_number", "content", "metadata", "source_id", "similarity"}).
			AddRow("https://example.com/a", 0, "content a", []byte(`{}`), "example.com", 0.92).
			AddRow("https://example.com/b", 1, "content b", []byte(`{}`), "example.com", 0.87))

	matches, err := store.MatchChunks(context.Background(), embedding, 2, "")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, 0.92, matches[0].Similarity)
	require.Greater(t, matches[0].Similarity, matches[1].Similarity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobRunNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	finished := time.Unix(1700000500, 0).UTC()
	run := JobRun{ID: "job-404", FinishedAt: &finished, Status: RunCompleted}

	mock.ExpectExec("UPDATE archon_job_runs").
		WithArgs(run.ID, run.FinishedAt, run.Status, run.ErrorMessage, 0, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.FinishJobRun(context.Background(), run)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobRuns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, started_at, finished_at, status").
		WithArgs(50, 0).
		WillReturnRows(pgxmock.
			NewRows([]string{"id", "started_at", "finished_at", "status", "error_message", "chunks_stored", "pages_processed"}).
			AddRow("job-2", started.Add(time.Hour), (*time.Time)(nil), RunRunning, (*string)(nil), 0, 0).
			AddRow("job-1", started, (*time.Time)(nil), RunRunning, (*string)(nil), 12, 3))

	runs, err := store.ListJobRuns(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "job-2", runs[0].ID)
	require.Equal(t, 12, runs[1].ChunksStored)
	require.NoError(t, mock.ExpectationsWereMet())
}
