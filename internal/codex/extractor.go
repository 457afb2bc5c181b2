// Package codex extracts code examples from crawled pages, summarizes
// them with the LLM, and stores them for similarity search.
package codex

import (
	"regexp"
	"strings"
)

// MinBlockLength drops trivial snippets; shorter blocks are noise.
const MinBlockLength = 100

// Block is one candidate code example.
type Block struct {
	Code     string
	Language string
}

// Classifier decides whether fenced text is actually code. Pluggable so
// callers can swap in stricter models.
type Classifier interface {
	LooksLikeCode(text string) bool
}

var fencedRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n?(.*?)```")

var htmlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<pre[^>]*><code[^>]*>(.*?)</code></pre>`),
	regexp.MustCompile(`(?s)<div[^>]*class="[^"]*highlight[^"]*"[^>]*>(.*?)</div>`),
	regexp.MustCompile(`(?s)<td[^>]*class="[^"]*code[^"]*"[^>]*>(.*?)</td>`),
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// ExtractBlocks scans markdown for fenced blocks, falling back to HTML
// code containers when the markdown has none. Blocks shorter than
// MinBlockLength or failing the classifier are dropped.
func ExtractBlocks(markdown, html string, classifier Classifier) []Block {
	if classifier == nil {
		classifier = DefaultClassifier{}
	}

	var blocks []Block
	for _, m := range fencedRe.FindAllStringSubmatch(markdown, -1) {
		code := strings.TrimSpace(m[2])
		if accept(code, classifier) {
			blocks = append(blocks, Block{Code: code, Language: strings.ToLower(m[1])})
		}
	}
	if len(blocks) > 0 {
		return blocks
	}

	for _, pattern := range htmlPatterns {
		for _, m := range pattern.FindAllStringSubmatch(html, -1) {
			code := strings.TrimSpace(unescapeHTML(htmlTagRe.ReplaceAllString(m[1], "")))
			if accept(code, classifier) {
				blocks = append(blocks, Block{Code: code})
			}
		}
		if len(blocks) > 0 {
			break
		}
	}
	return blocks
}

func accept(code string, classifier Classifier) bool {
	return len(code) >= MinBlockLength && classifier.LooksLikeCode(code)
}

var htmlEntities = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", `"`,
	"&#39;", "'",
)

func unescapeHTML(s string) string {
	return htmlEntities.Replace(s)
}

// DefaultClassifier scores code punctuation density against prose words.
type DefaultClassifier struct{}

var codeMarkers = []string{
	"{", "}", ";", "=>", "->", "():", ":=", "==", "!=",
	"def ", "func ", "function ", "class ", "import ", "return ",
	"const ", "var ", "let ", "#include", "package ",
}

var proseWords = map[string]struct{}{
	"the": {}, "and": {}, "that": {}, "with": {}, "this": {},
	"from": {}, "have": {}, "will": {}, "your": {}, "which": {},
	"would": {}, "about": {}, "their": {}, "there": {},
}

// LooksLikeCode accepts text whose code-marker hits outweigh its prose
// vocabulary. A fenced quote of documentation prose fails here.
func (DefaultClassifier) LooksLikeCode(text string) bool {
	markerHits := 0
	for _, marker := range codeMarkers {
		markerHits += strings.Count(text, marker)
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return markerHits > 0
	}
	proseHits := 0
	for _, word := range words {
		if _, ok := proseWords[strings.Trim(word, ".,!?:;\"'")]; ok {
			proseHits++
		}
	}

	// Indented lines are a strong signal on their own.
	indented := 0
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t") {
			indented++
		}
	}
	if len(lines) >= 3 && indented*2 >= len(lines) {
		return true
	}

	return markerHits > proseHits
}
