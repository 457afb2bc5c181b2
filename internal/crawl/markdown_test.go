package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToMarkdownConvertsHeadingsAndCode(t *testing.T) {
	t.Parallel()

	html := `<html><body><h1>Install</h1><p>Run the following:</p><pre><code>go install ./...</code></pre></body></html>`
	md := ToMarkdown("https://example.com", html)
	require.Contains(t, md, "# Install")
	require.Contains(t, md, "go install ./...")
}

func TestExtractTitlePrefersTitleTag(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Guide</title></head><body><h1>Other</h1></body></html>`
	require.Equal(t, "Guide", ExtractTitle(html))
}

func TestExtractTitleFallsBackToH1(t *testing.T) {
	t.Parallel()

	html := `<html><body><h1>Only Heading</h1></body></html>`
	require.Equal(t, "Only Heading", ExtractTitle(html))
}

func TestExtractLinksFiltersAndNormalizes(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<a href="/docs">relative</a>
		<a href="https://example.com/docs#usage">fragment dup</a>
		<a href="https://other.org/away">external</a>
		<a href="mailto:hi@example.com">mail</a>
		<a href="#top">anchor</a>
	</body></html>`

	links, err := ExtractLinks("https://example.com/start", html)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/docs"}, links)
}

func TestExtractLinksTreatsWWWAsSameHost(t *testing.T) {
	t.Parallel()

	html := `<a href="https://www.example.com/about">about</a>`
	links, err := ExtractLinks("https://example.com/", html)
	require.NoError(t, err)
	require.Equal(t, []string{"https://www.example.com/about"}, links)
}
