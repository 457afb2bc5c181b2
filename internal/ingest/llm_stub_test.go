package ingest

import (
	"context"
	"errors"
	"sync"
)

// stubLLM scripts chat replies and embedding behavior for pipeline tests.
type stubLLM struct {
	mu         sync.Mutex
	dimension  int
	chatReply  string
	chatErr    error
	chatCalls  int
	embedErr   error
	embedCalls int
	// failEmbedCall makes exactly that 1-based Embed call fail.
	failEmbedCall int
}

func newStubLLM() *stubLLM {
	return &stubLLM{dimension: 4, chatReply: "ok"}
}

func (s *stubLLM) Chat(context.Context, string, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatCalls++
	if s.chatErr != nil {
		return "", s.chatErr
	}
	return s.chatReply, nil
}

func (s *stubLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedCalls++
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	if s.failEmbedCall == s.embedCalls {
		return nil, errors.New("embedding backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dimension)
		vec[0] = float32(i + 1)
		out[i] = vec
	}
	return out, nil
}

func (s *stubLLM) Dimension() int {
	return s.dimension
}
