package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/llm"
)

// Embedder batches embedding calls and degrades failed sub-batches to
// zero vectors so the chunk count is always preserved.
type Embedder struct {
	client    llm.Client
	batchSize int
	logger    *zap.Logger
}

// NewEmbedder builds an embedder; batchSize <= 0 defaults to 20.
func NewEmbedder(client llm.Client, batchSize int, logger *zap.Logger) *Embedder {
	if batchSize <= 0 {
		batchSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Embedder{client: client, batchSize: batchSize, logger: logger}
}

// EmbedAll embeds texts in sub-batches. The returned slices are always
// len(texts); a failed sub-batch yields zero vectors with ok=false, and
// failed counts the degraded texts.
func (e *Embedder) EmbedAll(ctx context.Context, texts []string) (vectors [][]float32, ok []bool, failed int) {
	vectors = make([][]float32, len(texts))
	ok = make([]bool, len(texts))
	dim := e.client.Dimension()

	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		embedded, err := e.client.Embed(ctx, batch)
		if err != nil || len(embedded) != len(batch) {
			e.logger.Warn("embedding sub-batch degraded to zero vectors",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			for i := range batch {
				vectors[start+i] = make([]float32, dim)
			}
			failed += len(batch)
			continue
		}
		for i, vec := range embedded {
			vectors[start+i] = vec
			ok[start+i] = true
		}
	}
	return vectors, ok, failed
}
