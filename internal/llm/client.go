// Package llm abstracts the chat-completion and embedding provider used
// by the enrichment and summarization stages.
package llm

import "context"

// Client is the provider contract the pipeline depends on. Model names
// and the embedding dimensionality are configuration on the concrete
// implementation, never hardcoded by callers.
type Client interface {
	// Chat sends one system+user prompt pair and returns the model text.
	Chat(ctx context.Context, system, prompt string) (string, error)
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the width of vectors returned by Embed. Callers use it
	// to build zero vectors when embedding degrades.
	Dimension() int
}
