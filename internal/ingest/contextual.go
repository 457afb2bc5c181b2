package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/llm"
)

// EnrichedChunk is a chunk with optional contextual prefix. Enriched is
// false whenever the model output for this chunk was missing or
// ambiguous and the raw text was kept.
type EnrichedChunk struct {
	Text     string
	Enriched bool
}

const contextSystemPrompt = "You situate document chunks for retrieval. " +
	"For each numbered chunk, reply with one line of the form " +
	"\"CHUNK <number>: <short context>\" describing where the chunk fits " +
	"in the overall document. Reply with nothing else."

// maxDocumentContext bounds how much of the document the prompt carries.
const maxDocumentContext = 25000

var chunkLineRe = regexp.MustCompile(`^CHUNK\s+(\d+):\s*(.*)$`)

// Enricher prepends model-generated context to chunks in batches.
type Enricher struct {
	client    llm.Client
	batchSize int
	logger    *zap.Logger
}

// NewEnricher builds an enricher; batchSize <= 0 defaults to 10.
func NewEnricher(client llm.Client, batchSize int, logger *zap.Logger) *Enricher {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{client: client, batchSize: batchSize, logger: logger}
}

// Enrich returns one EnrichedChunk per input chunk, in order. A failed
// batch degrades its chunks to the raw text; the pipeline never aborts
// here.
func (e *Enricher) Enrich(ctx context.Context, document string, chunks []string) []EnrichedChunk {
	out := make([]EnrichedChunk, len(chunks))
	for i, chunk := range chunks {
		out[i] = EnrichedChunk{Text: chunk}
	}

	docContext := document
	if len(docContext) > maxDocumentContext {
		docContext = docContext[:maxDocumentContext]
	}

	for start := 0; start < len(chunks); start += e.batchSize {
		end := start + e.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		reply, err := e.client.Chat(ctx, contextSystemPrompt, buildContextPrompt(docContext, batch))
		if err != nil {
			e.logger.Warn("contextual enrichment batch failed, keeping raw chunks",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			continue
		}

		contexts := parseChunkContexts(reply)
		for k := range batch {
			contextText, ok := contexts[k+1]
			if !ok || contextText == "" {
				continue
			}
			out[start+k] = EnrichedChunk{
				Text:     contextText + "\n---\n" + batch[k],
				Enriched: true,
			}
		}
	}
	return out
}

func buildContextPrompt(document string, batch []string) string {
	var b strings.Builder
	b.WriteString("<document>\n")
	b.WriteString(document)
	b.WriteString("\n</document>\n\nChunks to situate:\n")
	for i, chunk := range batch {
		fmt.Fprintf(&b, "\nCHUNK %d:\n%s\n", i+1, chunk)
	}
	return b.String()
}

// parseChunkContexts extracts "CHUNK k: context" lines. A chunk number
// that appears more than once is ambiguous and dropped.
func parseChunkContexts(reply string) map[int]string {
	contexts := make(map[int]string)
	ambiguous := make(map[int]bool)
	for _, line := range strings.Split(reply, "\n") {
		m := chunkLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, seen := contexts[num]; seen {
			ambiguous[num] = true
			continue
		}
		contexts[num] = strings.TrimSpace(m[2])
	}
	for num := range ambiguous {
		delete(contexts, num)
	}
	return contexts
}
