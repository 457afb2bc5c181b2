package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/storage"
)

const (
	defaultMatchCount = 5
	maxMatchCount     = 50
)

// QueryEmbedder turns query text into an embedding vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Matcher runs similarity searches over stored rows.
type Matcher interface {
	MatchChunks(ctx context.Context, embedding []float32, count int, sourceFilter string) ([]storage.MatchResult, error)
	MatchCodeExamples(ctx context.Context, embedding []float32, count int, sourceFilter string) ([]storage.MatchResult, error)
}

// RAGHandler serves semantic search over chunks and code examples.
type RAGHandler struct {
	embedder QueryEmbedder
	matcher  Matcher
	logger   *zap.Logger
}

// NewRAGHandler wires the embedder and matcher.
func NewRAGHandler(embedder QueryEmbedder, matcher Matcher, logger *zap.Logger) *RAGHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAGHandler{
		embedder: embedder,
		matcher:  matcher,
		logger:   logger,
	}
}

type ragRequest struct {
	Query      string `json:"query"`
	Source     string `json:"source"`
	MatchCount int    `json:"match_count"`
}

type ragMatch struct {
	URL         string         `json:"url"`
	ChunkNumber int            `json:"chunk_number"`
	Content     string         `json:"content"`
	Summary     string         `json:"summary,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SourceID    string         `json:"source_id"`
	Similarity  float64        `json:"similarity"`
}

// Query handles POST /api/rag/query over document chunks.
func (h *RAGHandler) Query(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.matcher.MatchChunks)
}

// QueryCodeExamples handles POST /api/rag/code-examples.
func (h *RAGHandler) QueryCodeExamples(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.matcher.MatchCodeExamples)
}

type matchFn func(ctx context.Context, embedding []float32, count int, sourceFilter string) ([]storage.MatchResult, error)

func (h *RAGHandler) serve(w http.ResponseWriter, r *http.Request, match matchFn) {
	req, err := h.parse(r)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	vectors, err := h.embedder.Embed(r.Context(), []string{req.Query})
	if err != nil || len(vectors) == 0 {
		h.logger.Error("query embedding failed", zap.Error(err))
		writeError(h.logger, w, http.StatusBadGateway, "failed to embed query")
		return
	}

	results, err := match(r.Context(), vectors[0], req.MatchCount, req.Source)
	if err != nil {
		h.logger.Error("similarity search failed", zap.Error(err))
		writeError(h.logger, w, http.StatusInternalServerError, "search failed")
		return
	}

	matches := make([]ragMatch, 0, len(results))
	for _, res := range results {
		matches = append(matches, ragMatch{
			URL:         res.URL,
			ChunkNumber: res.ChunkNumber,
			Content:     res.Content,
			Summary:     res.Summary,
			Metadata:    res.Metadata,
			SourceID:    res.SourceID,
			Similarity:  res.Similarity,
		})
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"source":  req.Source,
		"results": matches,
	})
}

func (h *RAGHandler) parse(r *http.Request) (ragRequest, error) {
	var req ragRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ragRequest{}, errors.New("invalid JSON")
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ragRequest{}, errors.New("query is required")
	}
	if req.MatchCount <= 0 {
		req.MatchCount = defaultMatchCount
	}
	if req.MatchCount > maxMatchCount {
		req.MatchCount = maxMatchCount
	}
	return req, nil
}
