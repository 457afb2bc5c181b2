package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// GeminiConfig carries the provider settings loaded from configuration.
type GeminiConfig struct {
	APIKey         string
	ChatModel      string
	EmbedModel     string
	EmbedDimension int
	Timeout        time.Duration
	// RequestsPerMinute throttles outgoing calls across all callers;
	// zero disables throttling.
	RequestsPerMinute int
}

// GeminiClient implements Client using the Google GenAI SDK.
type GeminiClient struct {
	client    *genai.Client
	cfg       GeminiConfig
	limiter   *rate.Limiter
	logger    *zap.Logger
	dimension int
}

// NewGeminiClient validates the configuration and initializes the SDK
// client. It fails fast on a missing API key so orchestration can reject
// jobs before any progress tracking starts.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gemini-2.0-flash"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "gemini-embedding-001"
	}
	if cfg.EmbedDimension <= 0 {
		cfg.EmbedDimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: init genai client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), cfg.RequestsPerMinute)
	}

	return &GeminiClient{
		client:    client,
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger,
		dimension: cfg.EmbedDimension,
	}, nil
}

// Chat sends a single-turn prompt with an optional system instruction.
func (c *GeminiClient) Chat(ctx context.Context, system, prompt string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(system)},
		}
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.ChatModel, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("llm: empty completion")
	}
	return text, nil
}

// Embed returns one vector per input text. The whole call fails as a unit;
// batch-level degradation is the caller's concern.
func (c *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(text)},
		})
	}
	dim := int32(c.dimension)
	resp, err := c.client.Models.EmbedContent(ctx, c.cfg.EmbedModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: embed batch of %d: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("llm: embed returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimension returns the configured embedding width.
func (c *GeminiClient) Dimension() int {
	return c.dimension
}

func (c *GeminiClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("llm: rate limit wait: %w", err)
	}
	return nil
}
