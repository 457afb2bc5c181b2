package codex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const goSnippet = "```go\n" + `package main

import "fmt"

func main() {
	for i := 0; i < 10; i++ {
		fmt.Println("iteration", i)
	}
}
` + "```"

// TestExtractBlocksFencedCode pulls a fenced block with its language.
func TestExtractBlocksFencedCode(t *testing.T) {
	t.Parallel()

	md := "# Example\n\nSome intro.\n\n" + goSnippet + "\n\nClosing prose."
	blocks := ExtractBlocks(md, "", nil)
	require.Len(t, blocks, 1)
	require.Equal(t, "go", blocks[0].Language)
	require.Contains(t, blocks[0].Code, "func main()")
}

// TestExtractBlocksDropsShortSnippets rejects blocks under the minimum.
func TestExtractBlocksDropsShortSnippets(t *testing.T) {
	t.Parallel()

	md := "```\nx := 1\n```"
	require.Empty(t, ExtractBlocks(md, "", nil))
}

// TestExtractBlocksRejectsProseFence drops a 300-character prose passage
// wrapped in a fence.
func TestExtractBlocksRejectsProseFence(t *testing.T) {
	t.Parallel()

	prose := strings.Repeat("This is a long passage about the design and the goals of the project. ", 5)
	require.GreaterOrEqual(t, len(prose), 300)
	md := "```\n" + prose + "\n```"
	require.Empty(t, ExtractBlocks(md, "", nil))
}

// TestExtractBlocksHTMLFallback finds <pre><code> blocks when markdown
// has no fences.
func TestExtractBlocksHTMLFallback(t *testing.T) {
	t.Parallel()

	html := `<article><pre><code>def handler(request):
    if request.method == "POST":
        payload = request.json()
        return process(payload)
    return error_response(405)
</code></pre></article>`
	blocks := ExtractBlocks("no fences here", html, nil)
	require.Len(t, blocks, 1)
	require.Contains(t, blocks[0].Code, "def handler")
}

// TestExtractBlocksHTMLEntitiesUnescaped restores angle brackets in HTML
// sourced code.
func TestExtractBlocksHTMLEntitiesUnescaped(t *testing.T) {
	t.Parallel()

	html := `<pre><code>template &lt;typename T&gt;
T clamp(T value, T lo, T hi) {
    if (value &lt; lo) { return lo; }
    if (value &gt; hi) { return hi; }
    return value;
}
</code></pre>`
	blocks := ExtractBlocks("", html, nil)
	require.Len(t, blocks, 1)
	require.Contains(t, blocks[0].Code, "template <typename T>")
}

func TestLooksLikeCode(t *testing.T) {
	t.Parallel()

	c := DefaultClassifier{}
	require.True(t, c.LooksLikeCode("func add(a, b int) int {\n\treturn a + b\n}\nfunc sub(a, b int) int {\n\treturn a - b\n}"))
	require.False(t, c.LooksLikeCode("This is a paragraph about the library and how you would use it with your project, and that is all there is to it."))
}
