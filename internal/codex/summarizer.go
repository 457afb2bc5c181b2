package codex

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/archon-labs/archon/internal/llm"
)

// Summary is the model's description of one code example.
type Summary struct {
	Name    string
	Text    string
	Degrade bool
}

const summarySystemPrompt = "You name and summarize code examples. Reply with " +
	"exactly two lines: \"NAME: <short name>\" and \"SUMMARY: <one or two " +
	"sentences on what the code demonstrates>\"."

// Summarizer runs LLM summaries with bounded concurrency. The dispatch
// delay keeps burst pressure off the provider.
type Summarizer struct {
	client        llm.Client
	sem           *semaphore.Weighted
	dispatchDelay time.Duration
	logger        *zap.Logger
}

// NewSummarizer builds a summarizer; maxParallel <= 0 defaults to 3.
func NewSummarizer(client llm.Client, maxParallel int, logger *zap.Logger) *Summarizer {
	if maxParallel <= 0 {
		maxParallel = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		client:        client,
		sem:           semaphore.NewWeighted(int64(maxParallel)),
		dispatchDelay: 100 * time.Millisecond,
		logger:        logger,
	}
}

// Summarize returns one summary per block, in order. A per-block LLM
// failure degrades to a templated name and excerpt; onEach, when set, is
// called once per finished block for progress accounting.
func (s *Summarizer) Summarize(ctx context.Context, blocks []Block, onEach func(done int)) []Summary {
	summaries := make([]Summary, len(blocks))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for i, block := range blocks {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			summaries[i] = fallbackSummary(block)
			continue
		}
		wg.Add(1)
		go func(i int, block Block) {
			defer wg.Done()
			defer s.sem.Release(1)
			summaries[i] = s.summarizeOne(ctx, block)

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if onEach != nil {
				onEach(n)
			}
		}(i, block)
		// Stagger dispatches so a large page does not burst the provider.
		select {
		case <-ctx.Done():
		case <-time.After(s.dispatchDelay):
		}
	}
	wg.Wait()
	return summaries
}

func (s *Summarizer) summarizeOne(ctx context.Context, block Block) Summary {
	prompt := block.Code
	if len(prompt) > 4000 {
		prompt = prompt[:4000]
	}
	reply, err := s.client.Chat(ctx, summarySystemPrompt, prompt)
	if err != nil {
		s.logger.Warn("code summary degraded to template", zap.Error(err))
		return fallbackSummary(block)
	}
	name, text := parseSummaryReply(reply)
	if name == "" && text == "" {
		return fallbackSummary(block)
	}
	if name == "" {
		name = fallbackName(block)
	}
	return Summary{Name: name, Text: text}
}

func parseSummaryReply(reply string) (name, text string) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "NAME:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "NAME:"))
		case strings.HasPrefix(line, "SUMMARY:"):
			text = strings.TrimSpace(strings.TrimPrefix(line, "SUMMARY:"))
		}
	}
	return name, text
}

func fallbackSummary(block Block) Summary {
	excerpt := block.Code
	if len(excerpt) > 120 {
		excerpt = excerpt[:120]
	}
	return Summary{
		Name:    fallbackName(block),
		Text:    "Code example: " + strings.Join(strings.Fields(excerpt), " "),
		Degrade: true,
	}
}

func fallbackName(block Block) string {
	if block.Language != "" {
		return fmt.Sprintf("Code example (%s)", block.Language)
	}
	return "Code example"
}
