package crawl

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ServiceConfig tunes retry and concurrency behavior.
type ServiceConfig struct {
	// MinContentLength is the markdown length below which a fetch is
	// considered to have missed the real content.
	MinContentLength int
	// MaxAttempts bounds CrawlPage retries.
	MaxAttempts int
	// BatchConcurrency caps parallel fetches inside CrawlBatch.
	BatchConcurrency int
	// RecursiveBatchSize caps the frontier slice crawled per BFS batch.
	RecursiveBatchSize int
}

func (c *ServiceConfig) applyDefaults() {
	if c.MinContentLength <= 0 {
		c.MinContentLength = 200
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 10
	}
	if c.RecursiveBatchSize <= 0 {
		c.RecursiveBatchSize = 20
	}
}

// Service coordinates fetching, rendering, and markdown conversion.
type Service struct {
	cfg      ServiceConfig
	fetcher  Fetcher
	renderer Renderer
	detector *Detector
	logger   *zap.Logger

	// sleep is swappable in tests so retry backoff does not stall them.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService builds a crawl service. renderer may be nil, in which case
// pages are never promoted to headless rendering.
func NewService(cfg ServiceConfig, fetcher Fetcher, renderer Renderer, detector *Detector, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	if detector == nil {
		detector = NewDetector(DetectorConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		fetcher:  fetcher,
		renderer: renderer,
		detector: detector,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// CrawlPage fetches one URL with retries. Each failed attempt backs off
// 2^attempt seconds. An attempt fails on fetch error or when the converted
// markdown is shorter than the configured minimum; before that verdict the
// page may be promoted to the renderer, with more settle time per attempt.
func (s *Service) CrawlPage(ctx context.Context, url string) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, err := s.crawlOnce(ctx, url, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		s.logger.Debug("crawl attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == s.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		if err := s.sleep(ctx, backoff); err != nil {
			return Result{}, err
		}
	}
	return Result{}, fmt.Errorf("crawl %s after %d attempts: %w", url, s.cfg.MaxAttempts, lastErr)
}

func (s *Service) crawlOnce(ctx context.Context, url string, attempt int) (Result, error) {
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return Result{}, err
	}

	if s.renderer != nil && s.detector.ShouldPromote(page) {
		// Later attempts give scripts longer to settle.
		settle := time.Duration(attempt) * time.Second
		rendered, rerr := s.renderer.Render(ctx, url, settle)
		if rerr != nil {
			s.logger.Warn("headless render failed, keeping plain fetch",
				zap.String("url", url), zap.Error(rerr))
		} else {
			page = rendered
		}
	}

	html := string(page.Body)
	markdown := ToMarkdown(url, html)
	if len(markdown) < s.cfg.MinContentLength {
		return Result{}, fmt.Errorf("insufficient content: %d chars of markdown", len(markdown))
	}

	links, err := ExtractLinks(page.URL, html)
	if err != nil {
		s.logger.Debug("link extraction failed", zap.String("url", url), zap.Error(err))
	}

	return Result{
		URL:      page.URL,
		Title:    ExtractTitle(html),
		Markdown: markdown,
		HTML:     html,
		Links:    links,
	}, nil
}

// FetchText retrieves a plain-text document as a single Result without
// markdown conversion or link extraction.
func (s *Service) FetchText(ctx context.Context, url string) (Result, error) {
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return Result{}, fmt.Errorf("fetch text %s: %w", url, err)
	}
	text := strings.TrimSpace(string(page.Body))
	if text == "" {
		return Result{}, fmt.Errorf("fetch text %s: empty body", url)
	}
	return Result{URL: page.URL, Markdown: text}, nil
}

// CrawlBatch crawls urls concurrently in sub-batches of at most
// BatchConcurrency. Individual failures are logged and skipped. Progress
// is reported on every sub-batch boundary and every fifth URL within one.
func (s *Service) CrawlBatch(ctx context.Context, urls []string, onProgress ProgressFn) []Result {
	total := len(urls)
	if total == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		results   []Result
		processed int
	)
	report := func(force bool, current string) {
		if onProgress == nil {
			return
		}
		if !force && processed%5 != 0 {
			return
		}
		pct := float64(processed) / float64(total) * 100
		onProgress(pct, fmt.Sprintf("crawled %d/%d pages", processed, total), processed, total, current)
	}

	sem := semaphore.NewWeighted(int64(s.cfg.BatchConcurrency))
	for start := 0; start < total; start += s.cfg.BatchConcurrency {
		end := start + s.cfg.BatchConcurrency
		if end > total {
			end = total
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, url := range urls[start:end] {
			url := url
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				result, err := s.CrawlPage(gctx, url)

				mu.Lock()
				processed++
				if err != nil {
					s.logger.Warn("batch crawl skipped url", zap.String("url", url), zap.Error(err))
				} else {
					results = append(results, result)
				}
				report(false, url)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.logger.Warn("batch crawl interrupted", zap.Error(err))
			break
		}
		mu.Lock()
		report(true, "")
		mu.Unlock()
	}
	return results
}

// CrawlRecursive walks internal links breadth-first from the seeds up to
// maxDepth levels. The visited set is keyed by fragment-stripped
// normalized URL. 80% of the local budget is split evenly across depths;
// the remainder covers the final report.
func (s *Service) CrawlRecursive(ctx context.Context, seeds []string, maxDepth int, onProgress ProgressFn) []Result {
	if maxDepth <= 0 {
		maxDepth = 1
	}

	visited := make(map[string]struct{})
	frontier := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		normalized, err := NormalizeURL(seed)
		if err != nil {
			s.logger.Warn("skipping malformed seed", zap.String("url", seed), zap.Error(err))
			continue
		}
		if _, dup := visited[normalized]; dup {
			continue
		}
		visited[normalized] = struct{}{}
		frontier = append(frontier, normalized)
	}

	const crawlBudget = 80.0
	perDepth := crawlBudget / float64(maxDepth)

	var all []Result
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		depthStart := float64(depth) * perDepth
		var next []string

		for start := 0; start < len(frontier); start += s.cfg.RecursiveBatchSize {
			end := start + s.cfg.RecursiveBatchSize
			if end > len(frontier) {
				end = len(frontier)
			}
			batch := frontier[start:end]

			batchShare := perDepth * float64(end-start) / float64(len(frontier))
			batchBase := depthStart + perDepth*float64(start)/float64(len(frontier))
			results := s.CrawlBatch(ctx, batch, func(pct float64, msg string, processed, total int, current string) {
				if onProgress == nil {
					return
				}
				mapped := batchBase + pct/100*batchShare
				onProgress(mapped, fmt.Sprintf("depth %d: %s", depth+1, msg), len(all)+processed, 0, current)
			})
			all = append(all, results...)

			for _, result := range results {
				for _, link := range result.Links {
					if _, dup := visited[link]; dup {
						continue
					}
					visited[link] = struct{}{}
					next = append(next, link)
				}
			}
		}
		frontier = next
	}

	if onProgress != nil {
		onProgress(100, fmt.Sprintf("recursive crawl finished with %d pages", len(all)), len(all), len(all), "")
	}
	return all
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
