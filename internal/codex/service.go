package codex

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/crawl"
	"github.com/archon-labs/archon/internal/ingest"
	"github.com/archon-labs/archon/internal/llm"
	"github.com/archon-labs/archon/internal/progress"
	"github.com/archon-labs/archon/internal/storage"
)

// ProgressFn receives extraction progress as a local 0..100 percentage.
type ProgressFn func(pct float64, message string)

// Service extracts, summarizes, embeds, and stores code examples.
type Service struct {
	store      storage.Store
	embedder   *ingest.Embedder
	summarizer *Summarizer
	classifier Classifier
	logger     *zap.Logger
}

// NewService wires the extraction pipeline. classifier may be nil for
// the default scorer.
func NewService(store storage.Store, client llm.Client, classifier Classifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	return &Service{
		store:      store,
		embedder:   ingest.NewEmbedder(client, 0, logger),
		summarizer: NewSummarizer(client, 0, logger),
		classifier: classifier,
		logger:     logger,
	}
}

type urlBlock struct {
	url   string
	index int
	block Block
}

// ExtractAndStore runs the three phases with a 40/40/20 progress split:
// extraction, summarization, storage. Returns the number of examples
// stored. Pages without code are skipped, not errors.
func (s *Service) ExtractAndStore(ctx context.Context, results []crawl.Result, onProgress ProgressFn) (int, error) {
	extractPhase := progress.SubRange(0, 40)
	summarizePhase := progress.SubRange(40, 80)
	storePhase := progress.SubRange(80, 100)

	report := func(pct float64, msg string) {
		if onProgress != nil {
			onProgress(pct, msg)
		}
	}

	// Phase 1: extraction.
	var all []urlBlock
	perURL := make(map[string]int)
	for i, result := range results {
		blocks := ExtractBlocks(result.Markdown, result.HTML, s.classifier)
		for _, block := range blocks {
			all = append(all, urlBlock{url: result.URL, index: perURL[result.URL], block: block})
			perURL[result.URL]++
		}
		report(extractPhase(float64(i+1)/float64(max(len(results), 1))*100),
			fmt.Sprintf("extracted code from %d/%d pages", i+1, len(results)))
	}
	if len(all) == 0 {
		report(100, "no code examples found")
		return 0, nil
	}

	// Phase 2: summarization.
	blocks := make([]Block, len(all))
	for i, ub := range all {
		blocks[i] = ub.block
	}
	summaries := s.summarizer.Summarize(ctx, blocks, func(done int) {
		report(summarizePhase(float64(done)/float64(len(blocks))*100),
			fmt.Sprintf("summarized %d/%d code examples", done, len(blocks)))
	})
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	// Phase 3: embed and store, delete-then-reinsert per URL.
	texts := make([]string, len(all))
	for i, ub := range all {
		texts[i] = summaries[i].Name + "\n" + summaries[i].Text + "\n\n" + ub.block.Code
	}
	vectors, _, failed := s.embedder.EmbedAll(ctx, texts)
	if failed > 0 {
		s.logger.Warn("code example embeddings degraded", zap.Int("failed", failed))
	}

	byURL := make(map[string][]storage.CodeExampleRecord)
	var urls []string
	for i, ub := range all {
		if _, seen := byURL[ub.url]; !seen {
			urls = append(urls, ub.url)
		}
		byURL[ub.url] = append(byURL[ub.url], storage.CodeExampleRecord{
			URL:         ub.url,
			ChunkNumber: ub.index,
			Content:     ub.block.Code,
			Summary:     summaries[i].Name + ": " + summaries[i].Text,
			Metadata: map[string]any{
				"language":  ub.block.Language,
				"degraded":  summaries[i].Degrade,
				"char_size": len(ub.block.Code),
			},
			SourceID:  ingest.SourceID(ub.url),
			Embedding: vectors[i],
		})
	}

	stored := 0
	for i, url := range urls {
		records := byURL[url]
		if err := s.store.ReplaceCodeExamples(ctx, url, records); err != nil {
			s.logger.Warn("code example storage failed for url",
				zap.String("url", url), zap.Error(err))
			continue
		}
		stored += len(records)
		report(storePhase(float64(i+1)/float64(len(urls))*100),
			fmt.Sprintf("stored code examples for %d/%d pages", i+1, len(urls)))
	}
	report(100, fmt.Sprintf("stored %d code examples", stored))
	return stored, nil
}
