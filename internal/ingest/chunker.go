// Package ingest turns crawled markdown into embedded chunk rows. The
// pipeline is chunk, enrich, embed, store; every step degrades rather
// than aborting except source verification.
package ingest

import (
	"strings"
	"unicode/utf8"
)

// SmartChunk splits text into chunks of at most size bytes,
// preferring to break on a code-fence boundary, then a blank line, then a
// sentence end. A boundary only counts once past 30% of the chunk, so a
// fence near the top cannot produce confetti. Without one the chunk is
// cut hard at size, backed up to a rune boundary so multi-byte text never
// splits mid-character.
func SmartChunk(text string, size int) []string {
	if size <= 0 {
		size = 5000
	}
	minBoundary := size * 30 / 100

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			if chunk := strings.TrimSpace(text[start:]); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		window := text[start:end]
		cut := -1
		if idx := strings.LastIndex(window, "```"); idx > minBoundary {
			cut = idx
		} else if idx := strings.LastIndex(window, "\n\n"); idx > minBoundary {
			cut = idx
		} else if idx := strings.LastIndex(window, ". "); idx > minBoundary {
			cut = idx + 1
		}
		if cut > 0 {
			end = start + cut
		} else {
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == start {
				// A single rune wider than size; take it whole.
				_, width := utf8.DecodeRuneInString(text[start:])
				end = start + width
			}
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = end
	}
	return chunks
}

// WordCount counts whitespace-separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
