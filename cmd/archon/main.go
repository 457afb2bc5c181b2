// Package main wires together the knowledge service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/api"
	"github.com/archon-labs/archon/internal/codex"
	"github.com/archon-labs/archon/internal/config"
	"github.com/archon-labs/archon/internal/crawl"
	"github.com/archon-labs/archon/internal/ingest"
	"github.com/archon-labs/archon/internal/llm"
	"github.com/archon-labs/archon/internal/logging"
	"github.com/archon-labs/archon/internal/orchestrator"
	"github.com/archon-labs/archon/internal/progress"
	"github.com/archon-labs/archon/internal/progress/sinks"
	"github.com/archon-labs/archon/internal/storage"
	"github.com/archon-labs/archon/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := storage.NewPostgresStore(ctx, storage.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: time.Duration(cfg.Database.LifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()
	if cfg.Database.RunMigrations {
		if err := store.Migrate(ctx, cfg.LLM.EmbedDimension); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
		APIKey:            cfg.LLM.APIKey,
		ChatModel:         cfg.LLM.ChatModel,
		EmbedModel:        cfg.LLM.EmbedModel,
		EmbedDimension:    cfg.LLM.EmbedDimension,
		Timeout:           cfg.LLMTimeout(),
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}, logger.Named("llm"))
	if err != nil {
		return fmt.Errorf("init gemini client: %w", err)
	}

	crawler := buildCrawler(cfg, logger)

	// Progress plumbing: the hub fans events out to logging, metrics,
	// persistence, and WebSocket subscribers.
	tracker := progress.NewTracker(0)
	tracker.StartSweeper(ctx, time.Minute)
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	broadcaster := ws.NewBroadcaster(ws.Config{
		ThrottleInterval: cfg.WSThrottle(),
	}, tracker, logger.Named("ws"))
	hub := progress.NewHub(progress.HubConfig{Logger: logger.Named("progress")},
		tracker,
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewStoreSink(storage.NewRunRecorder(store), logger.Named("progress")),
		broadcaster,
	)

	storer := ingest.NewStorageService(store, client, logger.Named("ingest"))
	extractor := codex.NewService(store, client, nil, logger.Named("codex"))
	orch, err := orchestrator.NewService(orchestrator.Config{
		MaxConcurrentJobs:       cfg.Pipeline.MaxConcurrentJobs,
		HeartbeatInterval:       cfg.Heartbeat(),
		DefaultMaxDepth:         cfg.Crawler.MaxDepthDefault,
		ChunkSize:               cfg.Pipeline.ChunkSize,
		InsertBatchSize:         cfg.Pipeline.InsertBatchSize,
		UseContextualEmbeddings: cfg.Pipeline.UseContextualEmbeddings,
	}, crawler, storer, extractor, hub, logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	rag := api.NewRAGHandler(client, store, logger.Named("rag"))
	server := api.NewServer(
		api.Config{APIKey: cfg.Server.APIKey},
		orch,
		tracker,
		store,
		rag,
		store,
		broadcaster.Handle,
		logger.Named("api"),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs did not finish before shutdown", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}
	if err := broadcaster.Close(shutdownCtx); err != nil {
		logger.Warn("websocket close failed", zap.Error(err))
	}
	return nil
}

func buildCrawler(cfg config.Config, logger *zap.Logger) *crawl.Service {
	fetcher := crawl.NewCollyFetcher(crawl.FetcherConfig{
		UserAgent: cfg.Crawler.UserAgent,
	})
	var renderer crawl.Renderer
	if cfg.Crawler.Headless.Enabled {
		chromedpRenderer, err := crawl.NewChromedpRenderer(crawl.RendererConfig{
			MaxParallel:       cfg.Crawler.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Crawler.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless renderer init failed, crawling without it", zap.Error(err))
		} else {
			renderer = chromedpRenderer
		}
	}
	return crawl.NewService(crawl.ServiceConfig{
		MinContentLength: cfg.Crawler.MinContentLength,
		MaxAttempts:      cfg.Crawler.MaxAttempts,
		BatchConcurrency: cfg.Crawler.BatchConcurrency,
	}, fetcher, renderer, crawl.NewDetector(crawl.DetectorConfig{
		MinBodyBytes: cfg.Crawler.Headless.MinHTMLBytes,
	}), logger.Named("crawl"))
}
