package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/llm"
	"github.com/archon-labs/archon/internal/storage"
)

// Document is one crawled page entering the pipeline.
type Document struct {
	URL      string
	Title    string
	Markdown string
}

// Options tunes one StoreDocuments run.
type Options struct {
	// ChunkSize caps chunk bytes; defaults to 5000.
	ChunkSize int
	// InsertBatchSize caps rows per insert batch; defaults to 20.
	InsertBatchSize int
	// UseContextualEmbeddings enables LLM context prefixes.
	UseContextualEmbeddings bool
	// KnowledgeType labels every chunk's metadata ("technical",
	// "business", ...); empty means unlabeled.
	KnowledgeType string
	// Tags are caller-supplied labels copied into chunk metadata.
	Tags []string
}

// Summary reports what one run actually persisted.
type Summary struct {
	ChunksStored     int
	SourcesUpdated   int
	ProcessedDocs    int
	FailedEmbeddings int
}

// ProgressFn receives storage progress as a local 0..100 percentage.
type ProgressFn func(pct float64, message string)

// insertAttempts bounds ReplaceChunks retries before the row-by-row
// fallback.
const insertAttempts = 3

const sourceSummaryPrompt = "Summarize what this documentation source covers " +
	"in at most three sentences. Reply with the summary only."

// StorageService persists documents as embedded chunks, maintaining the
// source aggregate rows chunks reference.
type StorageService struct {
	store    storage.Store
	llm      llm.Client
	enricher *Enricher
	embedder *Embedder
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewStorageService wires the pipeline stages.
func NewStorageService(store storage.Store, client llm.Client, logger *zap.Logger) *StorageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageService{
		store:    store,
		llm:      client,
		enricher: NewEnricher(client, 0, logger),
		embedder: NewEmbedder(client, 0, logger),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// SourceID derives the aggregate key for a URL: the host with any
// leading "www." removed.
func SourceID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}

// StoreDocuments runs the full pipeline. Source rows are written and
// verified before any chunk row references them; a verification failure
// is structural and aborts the run. Chunk storage failures degrade to
// partial success.
func (s *StorageService) StoreDocuments(ctx context.Context, docs []Document, opts Options, onProgress ProgressFn) (Summary, error) {
	var summary Summary
	if len(docs) == 0 {
		report(onProgress, 100, "nothing to store")
		return summary, nil
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5000
	}
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 20
	}

	report(onProgress, 0, fmt.Sprintf("storing %d documents", len(docs)))

	updated, err := s.upsertSources(ctx, docs)
	if err != nil {
		return summary, err
	}
	summary.SourcesUpdated = updated
	report(onProgress, 10, fmt.Sprintf("updated %d sources", updated))

	for i, doc := range docs {
		stored, failedEmb := s.storeDocument(ctx, doc, opts)
		summary.ChunksStored += stored
		summary.FailedEmbeddings += failedEmb
		summary.ProcessedDocs++

		pct := 10 + float64(i+1)/float64(len(docs))*90
		report(onProgress, pct, fmt.Sprintf("stored document %d/%d (%d chunks)", i+1, len(docs), stored))

		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}
	return summary, nil
}

// upsertSources writes one source row per distinct host and verifies each
// by read-back. Chunks carry a foreign key to sources, so ordering here
// is load-bearing.
func (s *StorageService) upsertSources(ctx context.Context, docs []Document) (int, error) {
	type aggregate struct {
		title     string
		wordCount int
		sample    string
	}
	sources := make(map[string]*aggregate)
	var order []string
	for _, doc := range docs {
		id := SourceID(doc.URL)
		agg, seen := sources[id]
		if !seen {
			agg = &aggregate{title: doc.Title}
			if agg.title == "" {
				agg.title = id
			}
			sources[id] = agg
			order = append(order, id)
		}
		agg.wordCount += WordCount(doc.Markdown)
		if len(agg.sample) < maxDocumentContext {
			agg.sample += doc.Markdown + "\n"
		}
	}

	for _, id := range order {
		agg := sources[id]
		record := storage.SourceRecord{
			SourceID:       id,
			Title:          agg.title,
			Summary:        s.summarizeSource(ctx, agg.sample),
			TotalWordCount: agg.wordCount,
			Metadata:       map[string]any{"auto_generated": true},
		}
		if err := s.store.UpsertSource(ctx, record); err != nil {
			return 0, fmt.Errorf("upsert source %s: %w", id, err)
		}
		verified, err := s.store.GetSource(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("verify source %s: %w", id, err)
		}
		if verified.SourceID != id {
			return 0, fmt.Errorf("verify source %s: read back %q", id, verified.SourceID)
		}
	}
	return len(order), nil
}

func (s *StorageService) summarizeSource(ctx context.Context, sample string) string {
	if len(sample) > maxDocumentContext {
		sample = sample[:maxDocumentContext]
	}
	summary, err := s.llm.Chat(ctx, sourceSummaryPrompt, sample)
	if err != nil {
		s.logger.Warn("source summary degraded to excerpt", zap.Error(err))
		excerpt := strings.TrimSpace(sample)
		if len(excerpt) > 300 {
			excerpt = excerpt[:300]
		}
		return excerpt
	}
	return strings.TrimSpace(summary)
}

// storeDocument chunks, optionally enriches, embeds, and persists one
// document. Failures are logged and reduce the stored count.
func (s *StorageService) storeDocument(ctx context.Context, doc Document, opts Options) (stored, failedEmbeddings int) {
	chunks := SmartChunk(doc.Markdown, opts.ChunkSize)
	if len(chunks) == 0 {
		return 0, 0
	}

	texts := make([]string, len(chunks))
	enrichedFlags := make([]bool, len(chunks))
	if opts.UseContextualEmbeddings {
		enriched := s.enricher.Enrich(ctx, doc.Markdown, chunks)
		for i, e := range enriched {
			texts[i] = e.Text
			enrichedFlags[i] = e.Enriched
		}
	} else {
		copy(texts, chunks)
	}

	vectors, _, failed := s.embedder.EmbedAll(ctx, texts)

	records := make([]storage.ChunkRecord, len(chunks))
	sourceID := SourceID(doc.URL)
	for i := range chunks {
		metadata := map[string]any{
			"title":      doc.Title,
			"chunk_size": len(texts[i]),
			"word_count": WordCount(texts[i]),
			"enriched":   enrichedFlags[i],
		}
		if opts.KnowledgeType != "" {
			metadata["knowledge_type"] = opts.KnowledgeType
		}
		if len(opts.Tags) > 0 {
			metadata["tags"] = opts.Tags
		}
		records[i] = storage.ChunkRecord{
			URL:         doc.URL,
			ChunkNumber: i,
			Content:     texts[i],
			Metadata:    metadata,
			SourceID:    sourceID,
			Embedding:   vectors[i],
		}
	}

	return s.persistChunks(ctx, doc.URL, records, opts.InsertBatchSize), failed
}

// persistChunks replaces the URL's rows transactionally with retries,
// then falls back to row-by-row inserts counting individual successes.
func (s *StorageService) persistChunks(ctx context.Context, url string, records []storage.ChunkRecord, batchSize int) int {
	var lastErr error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		if lastErr = s.replaceInBatches(ctx, url, records, batchSize); lastErr == nil {
			return len(records)
		}
		s.logger.Warn("chunk replace attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < insertAttempts {
			if err := s.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return 0
			}
		}
	}

	s.logger.Warn("falling back to row-by-row chunk inserts", zap.String("url", url))
	if err := s.store.DeleteChunksByURL(ctx, url); err != nil {
		s.logger.Error("row-by-row fallback could not clear old chunks",
			zap.String("url", url), zap.Error(err))
		return 0
	}
	stored := 0
	for _, record := range records {
		if err := s.store.InsertChunk(ctx, record); err != nil {
			s.logger.Warn("chunk insert failed",
				zap.String("url", url),
				zap.Int("chunk", record.ChunkNumber),
				zap.Error(err))
			continue
		}
		stored++
	}
	return stored
}

func (s *StorageService) replaceInBatches(ctx context.Context, url string, records []storage.ChunkRecord, batchSize int) error {
	if len(records) <= batchSize {
		return s.store.ReplaceChunks(ctx, url, records)
	}
	// First batch clears old rows; the rest append within their own
	// transactions.
	if err := s.store.ReplaceChunks(ctx, url, records[:batchSize]); err != nil {
		return err
	}
	for start := batchSize; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		for _, record := range records[start:end] {
			if err := s.store.InsertChunk(ctx, record); err != nil {
				return err
			}
		}
	}
	return nil
}

func report(onProgress ProgressFn, pct float64, msg string) {
	if onProgress != nil {
		onProgress(pct, msg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
