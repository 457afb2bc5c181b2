// Package api exposes the HTTP interface for the knowledge service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/orchestrator"
	"github.com/archon-labs/archon/internal/progress"
	"github.com/archon-labs/archon/internal/storage"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	handlerTimeout  = 60 * time.Second
	readyTimeout    = 3 * time.Second
)

// Orchestrator starts and cancels crawl jobs.
type Orchestrator interface {
	Orchestrate(ctx context.Context, req orchestrator.Request) (string, error)
	Cancel(jobID string) bool
}

// ProgressReader serves live job snapshots. Satisfied by the progress
// tracker.
type ProgressReader interface {
	Snapshot(jobID string) (progress.Record, bool)
}

// JobReader serves persisted job-run history.
type JobReader interface {
	GetJobRun(ctx context.Context, id string) (storage.JobRun, error)
	ListJobRuns(ctx context.Context, limit, offset int) ([]storage.JobRun, error)
}

// Pinger verifies a downstream dependency for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, is required on /api routes via the X-API-Key
	// header or api_key query parameter.
	APIKey string
}

// Server wires the HTTP handlers to the orchestrator, tracker, and store.
type Server struct {
	router   chi.Router
	cfg      Config
	orch     Orchestrator
	tracker  ProgressReader
	jobs     JobReader
	rag      *RAGHandler
	ready    Pinger
	wsHandle http.HandlerFunc
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. wsHandle may
// be nil to disable the WebSocket endpoint.
func NewServer(
	cfg Config,
	orch Orchestrator,
	tracker ProgressReader,
	jobs JobReader,
	rag *RAGHandler,
	ready Pinger,
	wsHandle http.HandlerFunc,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		tracker:  tracker,
		jobs:     jobs,
		rag:      rag,
		ready:    ready,
		wsHandle: wsHandle,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if wsHandle != nil {
		// The WebSocket upgrade hijacks the connection, so it stays
		// outside the timeout handler.
		r.Get("/ws", wsHandle)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(handlerTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/knowledge-items", func(r chi.Router) {
			r.Post("/crawl", s.startCrawl)
			r.Post("/stop/{progress_id}", s.stopCrawl)
		})
		r.Get("/progress/{progress_id}", s.getProgress)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJob)
		})
		if rag != nil {
			r.Post("/rag/query", rag.Query)
			r.Post("/rag/code-examples", rag.QueryCodeExamples)
		}
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.ready.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(s.logger, w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	URL                 string   `json:"url"`
	KnowledgeType       string   `json:"knowledge_type"`
	Tags                []string `json:"tags"`
	MaxDepth            int      `json:"max_depth"`
	ExtractCodeExamples *bool    `json:"extract_code_examples"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(s.logger, w, http.StatusBadRequest, "url is required")
		return
	}
	jobID, err := s.orch.Orchestrate(r.Context(), orchestrator.Request{
		URL:                 req.URL,
		KnowledgeType:       req.KnowledgeType,
		Tags:                req.Tags,
		MaxDepth:            req.MaxDepth,
		ExtractCodeExamples: req.ExtractCodeExamples,
	})
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{
		"progress_id": jobID,
		"status":      "started",
	})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "progress_id")
	if !s.orch.Cancel(jobID) {
		writeError(s.logger, w, http.StatusNotFound, "job not running")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{
		"progress_id": jobID,
		"status":      "stopping",
	})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "progress_id")
	if record, ok := s.tracker.Snapshot(jobID); ok {
		writeJSON(s.logger, w, http.StatusOK, record)
		return
	}
	// The tracker drops terminal records after a TTL; fall back to the
	// persisted run.
	if s.jobs != nil {
		run, err := s.jobs.GetJobRun(r.Context(), jobID)
		if err == nil {
			writeJSON(s.logger, w, http.StatusOK, runToRecord(run))
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("load job run failed", zap.Error(err))
			writeError(s.logger, w, http.StatusInternalServerError, "failed to load progress")
			return
		}
	}
	writeError(s.logger, w, http.StatusNotFound, "progress not found")
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.jobs.ListJobRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"jobs": toJobDTOs(runs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	run, err := s.jobs.GetJobRun(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job": toJobDTO(run)})
}

// runToRecord shapes a persisted run like a live tracker snapshot so the
// progress endpoint has one response format.
func runToRecord(run storage.JobRun) progress.Record {
	record := progress.Record{
		JobID:          run.ID,
		ChunksStored:   run.ChunksStored,
		ProcessedPages: run.PagesProcessed,
		UpdatedAt:      run.StartedAt,
	}
	switch run.Status {
	case storage.RunCompleted:
		record.Status = progress.StageCompleted
		record.Progress = 100
	case storage.RunError:
		record.Status = progress.StageError
		record.Progress = progress.ErrorProgress
		if run.ErrorMessage != nil {
			record.Error = *run.ErrorMessage
		}
	default:
		record.Status = progress.StageStarting
	}
	if run.FinishedAt != nil {
		record.UpdatedAt = *run.FinishedAt
	}
	return record
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toJobDTOs(in []storage.JobRun) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toJobDTO(run))
	}
	return out
}

func toJobDTO(run storage.JobRun) jobDTO {
	return jobDTO{
		ID:             run.ID,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		Status:         string(run.Status),
		Error:          run.ErrorMessage,
		ChunksStored:   run.ChunksStored,
		PagesProcessed: run.PagesProcessed,
	}
}

type jobDTO struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         string     `json:"status"`
	Error          *string    `json:"error,omitempty"`
	ChunksStored   int        `json:"chunks_stored"`
	PagesProcessed int        `json:"pages_processed"`
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the WebSocket upgrade behind the logging
// middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
