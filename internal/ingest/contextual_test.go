package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseChunkContexts(t *testing.T) {
	t.Parallel()

	reply := "CHUNK 1: intro section\nCHUNK 2: installation steps\nnoise line\nCHUNK 3: api reference"
	contexts := parseChunkContexts(reply)
	require.Equal(t, map[int]string{
		1: "intro section",
		2: "installation steps",
		3: "api reference",
	}, contexts)
}

func TestParseChunkContextsDropsAmbiguousNumbers(t *testing.T) {
	t.Parallel()

	reply := "CHUNK 1: first answer\nCHUNK 2: fine\nCHUNK 1: contradicting answer"
	contexts := parseChunkContexts(reply)
	require.NotContains(t, contexts, 1)
	require.Equal(t, "fine", contexts[2])
}

// TestEnrichPrependsContext checks enriched chunks carry the context
// prefix and the flag.
func TestEnrichPrependsContext(t *testing.T) {
	t.Parallel()

	client := newStubLLM()
	client.chatReply = "CHUNK 1: overview\nCHUNK 2: details"
	e := NewEnricher(client, 10, nil)

	out := e.Enrich(context.Background(), "full document", []string{"alpha", "beta"})
	require.Len(t, out, 2)
	require.True(t, out[0].Enriched)
	require.Equal(t, "overview\n---\nalpha", out[0].Text)
	require.True(t, out[1].Enriched)
	require.Equal(t, "details\n---\nbeta", out[1].Text)
}

// TestEnrichDegradesMissingChunk leaves a chunk raw when the model skips
// its number.
func TestEnrichDegradesMissingChunk(t *testing.T) {
	t.Parallel()

	client := newStubLLM()
	client.chatReply = "CHUNK 2: only the second"
	e := NewEnricher(client, 10, nil)

	out := e.Enrich(context.Background(), "doc", []string{"alpha", "beta"})
	require.False(t, out[0].Enriched)
	require.Equal(t, "alpha", out[0].Text)
	require.True(t, out[1].Enriched)
}

// TestEnrichBatchFailureKeepsRawChunks degrades the whole batch on a chat
// error without failing the call.
func TestEnrichBatchFailureKeepsRawChunks(t *testing.T) {
	t.Parallel()

	client := newStubLLM()
	client.chatErr = errors.New("model overloaded")
	e := NewEnricher(client, 10, nil)

	out := e.Enrich(context.Background(), "doc", []string{"alpha", "beta"})
	for i, chunk := range []string{"alpha", "beta"} {
		require.False(t, out[i].Enriched)
		require.Equal(t, chunk, out[i].Text)
	}
}

// TestEnrichBatchesBySize issues one chat call per sub-batch.
func TestEnrichBatchesBySize(t *testing.T) {
	t.Parallel()

	client := newStubLLM()
	client.chatReply = "CHUNK 1: c\nCHUNK 2: c"
	e := NewEnricher(client, 2, nil)

	e.Enrich(context.Background(), "doc", []string{"a", "b", "c", "d", "e"})
	require.Equal(t, 3, client.chatCalls)
}
