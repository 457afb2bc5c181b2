// Package orchestrator sequences a crawl job through its stages and
// emits progress for every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/archon-labs/archon/internal/codex"
	"github.com/archon-labs/archon/internal/crawl"
	"github.com/archon-labs/archon/internal/ingest"
	"github.com/archon-labs/archon/internal/progress"
)

// Crawler is the slice of the crawl service the orchestrator drives.
type Crawler interface {
	CrawlPage(ctx context.Context, url string) (crawl.Result, error)
	CrawlBatch(ctx context.Context, urls []string, onProgress crawl.ProgressFn) []crawl.Result
	CrawlRecursive(ctx context.Context, seeds []string, maxDepth int, onProgress crawl.ProgressFn) []crawl.Result
	ParseSitemap(ctx context.Context, url string) []string
	FetchText(ctx context.Context, url string) (crawl.Result, error)
}

// DocumentStorer persists crawled documents as chunks.
type DocumentStorer interface {
	StoreDocuments(ctx context.Context, docs []ingest.Document, opts ingest.Options, onProgress ingest.ProgressFn) (ingest.Summary, error)
}

// CodeExtractor extracts and stores code examples.
type CodeExtractor interface {
	ExtractAndStore(ctx context.Context, results []crawl.Result, onProgress codex.ProgressFn) (int, error)
}

// Config tunes orchestration.
type Config struct {
	// MaxConcurrentJobs bounds simultaneously running jobs; default 3.
	MaxConcurrentJobs int
	// HeartbeatInterval is how long a job may stay silent before a
	// keepalive event is emitted; default 30s.
	HeartbeatInterval time.Duration
	// DefaultMaxDepth applies when the request leaves depth unset.
	DefaultMaxDepth int
	// ChunkSize for document storage.
	ChunkSize int
	// InsertBatchSize caps chunk rows per insert batch.
	InsertBatchSize int
	// UseContextualEmbeddings toggles LLM chunk enrichment.
	UseContextualEmbeddings bool
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DefaultMaxDepth <= 0 {
		c.DefaultMaxDepth = 2
	}
}

// Request describes one crawl job.
type Request struct {
	URL string `json:"url"`
	// KnowledgeType labels stored chunks ("technical", "business", ...).
	KnowledgeType string   `json:"knowledge_type"`
	Tags          []string `json:"tags"`
	MaxDepth      int      `json:"max_depth"`
	// ExtractCodeExamples gates the code pipeline; nil means enabled.
	ExtractCodeExamples *bool `json:"extract_code_examples"`
}

func (r Request) extractCode() bool {
	return r.ExtractCodeExamples == nil || *r.ExtractCodeExamples
}

// Service runs crawl jobs with bounded concurrency.
type Service struct {
	cfg     Config
	crawler Crawler
	storer  DocumentStorer
	codex   CodeExtractor
	emitter progress.Emitter
	logger  *zap.Logger

	jobs *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService validates its dependencies and builds the orchestrator.
func NewService(cfg Config, crawler Crawler, storer DocumentStorer, extractor CodeExtractor, emitter progress.Emitter, logger *zap.Logger) (*Service, error) {
	if crawler == nil {
		return nil, errors.New("orchestrator: crawler is required")
	}
	if storer == nil {
		return nil, errors.New("orchestrator: document storer is required")
	}
	if extractor == nil {
		return nil, errors.New("orchestrator: code extractor is required")
	}
	if emitter == nil {
		return nil, errors.New("orchestrator: progress emitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Service{
		cfg:     cfg,
		crawler: crawler,
		storer:  storer,
		codex:   extractor,
		emitter: emitter,
		logger:  logger,
		jobs:    semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Orchestrate validates the request and spawns the job goroutine. The
// returned job ID is the progress_id subscribers use. Validation failures
// happen before any progress event exists.
func (s *Service) Orchestrate(ctx context.Context, req Request) (string, error) {
	if req.URL == "" {
		return "", errors.New("orchestrator: url is required")
	}
	if _, err := crawl.NormalizeURL(req.URL); err != nil {
		return "", fmt.Errorf("orchestrator: invalid url: %w", err)
	}
	if req.MaxDepth <= 0 {
		req.MaxDepth = s.cfg.DefaultMaxDepth
	}

	jobID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.running[jobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, jobID)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.jobs.Acquire(jobCtx, 1); err != nil {
			s.emitError(jobID, fmt.Errorf("job slot wait canceled: %w", err))
			return
		}
		defer s.jobs.Release(1)
		s.run(jobCtx, jobID, req)
	}()

	return jobID, nil
}

// Cancel stops a running job. In-flight writes are not rolled back.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown waits for running jobs to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Service) run(ctx context.Context, jobID string, req Request) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job_id", jobID), zap.Any("panic", r))
			s.emitError(jobID, fmt.Errorf("internal failure: %v", r))
		}
	}()

	job := newJob(jobID, s.emitter, s.logger)
	defer job.stopHeartbeat()
	job.startHeartbeat(ctx, s.cfg.HeartbeatInterval)

	job.stage(progress.StageStarting, 0, "starting crawl of "+req.URL)
	job.stage(progress.StageStarting, 100, "request accepted")

	// Analyzing: decide how to crawl the URL.
	job.stage(progress.StageAnalyzing, 0, "analyzing url type")
	var (
		results []crawl.Result
		docs    []ingest.Document
	)
	switch {
	case crawl.IsSitemap(req.URL):
		urls := s.crawler.ParseSitemap(ctx, req.URL)
		job.stage(progress.StageAnalyzing, 100, fmt.Sprintf("sitemap with %d urls", len(urls)))
		job.stage(progress.StageCrawling, 0, "starting batch crawl")
		results = s.crawler.CrawlBatch(ctx, urls, job.crawlProgress())
	case crawl.IsTxt(req.URL):
		job.stage(progress.StageAnalyzing, 100, "plain text document")
		job.stage(progress.StageCrawling, 0, "fetching text file")
		result, err := s.crawler.FetchText(ctx, req.URL)
		if err != nil {
			s.emitError(jobID, err)
			return
		}
		results = []crawl.Result{result}
	default:
		job.stage(progress.StageAnalyzing, 100, "webpage, crawling recursively")
		job.stage(progress.StageCrawling, 0, "starting recursive crawl")
		results = s.crawler.CrawlRecursive(ctx, []string{req.URL}, req.MaxDepth, job.crawlProgress())
	}
	if ctx.Err() != nil {
		s.emitError(jobID, ctx.Err())
		return
	}
	if len(results) == 0 {
		s.emitError(jobID, fmt.Errorf("no pages could be crawled from %s", req.URL))
		return
	}
	job.setPages(len(results))
	job.stage(progress.StageCrawling, 100, fmt.Sprintf("crawled %d pages", len(results)))

	// Processing: shape crawl output into documents.
	job.stage(progress.StageProcessing, 0, "preparing documents")
	for _, result := range results {
		docs = append(docs, ingest.Document{
			URL:      result.URL,
			Title:    result.Title,
			Markdown: result.Markdown,
		})
	}
	job.stage(progress.StageProcessing, 100, fmt.Sprintf("prepared %d documents", len(docs)))

	// Source creation and document storage share one pipeline call; the
	// storer's first 10 local percent is the source phase.
	job.stage(progress.StageSourceCreation, 0, "updating sources")
	summary, err := s.storer.StoreDocuments(ctx, docs, ingest.Options{
		ChunkSize:               s.cfg.ChunkSize,
		InsertBatchSize:         s.cfg.InsertBatchSize,
		UseContextualEmbeddings: s.cfg.UseContextualEmbeddings,
		KnowledgeType:           req.KnowledgeType,
		Tags:                    req.Tags,
	}, job.storageProgress())
	if err != nil {
		s.emitError(jobID, err)
		return
	}
	job.setStorageSummary(summary)
	job.stage(progress.StageDocumentStorage, 100, fmt.Sprintf("stored %d chunks", summary.ChunksStored))

	// Code extraction and storage, 40/40/20 inside the extractor. When
	// disabled the stages still close out so overall progress reaches 100.
	codeCount := 0
	if req.extractCode() {
		job.stage(progress.StageCodeExtraction, 0, "extracting code examples")
		codeCount, err = s.codex.ExtractAndStore(ctx, results, job.codeProgress())
		if err != nil {
			s.emitError(jobID, err)
			return
		}
		job.setCodeExamples(codeCount)
		job.stage(progress.StageCodeStorage, 100, fmt.Sprintf("stored %d code examples", codeCount))
	} else {
		job.stage(progress.StageCodeExtraction, 100, "code extraction disabled")
		job.stage(progress.StageCodeStorage, 100, "code extraction disabled")
	}

	job.stage(progress.StageFinalization, 0, "finalizing")
	job.stage(progress.StageFinalization, 100, "finalized")
	job.complete(fmt.Sprintf(
		"completed: %d pages, %d chunks, %d code examples, %d sources",
		summary.ProcessedDocs, summary.ChunksStored, codeCount, summary.SourcesUpdated))
}

func (s *Service) emitError(jobID string, err error) {
	s.emitter.Emit(progress.Event{
		JobID:    jobID,
		TS:       time.Now().UTC(),
		Status:   progress.StageError,
		Progress: progress.ErrorProgress,
		Message:  err.Error(),
		Err:      err.Error(),
	})
}
