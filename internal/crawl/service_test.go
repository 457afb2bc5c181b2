package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const filler = "This sentence pads the page with enough prose to pass the minimum content check. "

func contentPage(url string, links ...string) Page {
	var b strings.Builder
	b.WriteString("<html><head><title>Doc</title></head><body>")
	b.WriteString("<p>" + strings.Repeat(filler, 5) + "</p>")
	for _, link := range links {
		fmt.Fprintf(&b, `<a href=%q>link</a>`, link)
	}
	b.WriteString("</body></html>")
	return Page{URL: url, StatusCode: 200, Body: []byte(b.String())}
}

// fakeFetcher serves canned pages and scripted per-URL failures.
type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]Page
	failures map[string]int
	calls    []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]Page{}, failures: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.failures[url] > 0 {
		f.failures[url]--
		return Page{}, errors.New("connection reset")
	}
	page, ok := f.pages[url]
	if !ok {
		return Page{}, errors.New("not found")
	}
	return page, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

func newTestService(fetcher Fetcher) *Service {
	s := NewService(ServiceConfig{MinContentLength: 100}, fetcher, nil, nil, nil)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

// TestCrawlPageRetriesThenSucceeds scripts two transient failures and
// expects the third attempt to deliver the page.
func TestCrawlPageRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	url := "https://example.com/docs"
	fetcher.pages[url] = contentPage(url)
	fetcher.failures[url] = 2

	svc := newTestService(fetcher)
	result, err := svc.CrawlPage(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, url, result.URL)
	require.Equal(t, "Doc", result.Title)
	require.NotEmpty(t, result.Markdown)
	require.Equal(t, 3, fetcher.callCount(url))
}

// TestCrawlPageExhaustsAttempts asserts the wrapped error after all
// attempts fail.
func TestCrawlPageExhaustsAttempts(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	url := "https://example.com/down"
	fetcher.failures[url] = 10

	svc := newTestService(fetcher)
	_, err := svc.CrawlPage(context.Background(), url)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, 3, fetcher.callCount(url))
}

// TestCrawlPageRetriesOnThinContent treats a too-short markdown result as
// a failed attempt.
func TestCrawlPageRetriesOnThinContent(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	url := "https://example.com/thin"
	fetcher.pages[url] = Page{URL: url, StatusCode: 200, Body: []byte("<html><body><p>just a stub body</p></body></html>")}

	svc := newTestService(fetcher)
	_, err := svc.CrawlPage(context.Background(), url)
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient content")
	require.Equal(t, 3, fetcher.callCount(url))
}

// fakeRenderer returns a fixed contentful page for any URL.
type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	page  Page
}

func (r *fakeRenderer) Render(_ context.Context, url string, _ time.Duration) (Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	page := r.page
	page.URL = url
	return page, nil
}

// TestCrawlPagePromotesToRenderer feeds an SPA shell through the plain
// fetcher and checks the rendered DOM wins.
func TestCrawlPagePromotesToRenderer(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	url := "https://example.com/app"
	fetcher.pages[url] = Page{URL: url, StatusCode: 200, Body: []byte(`<html><body><div id="root"></div></body></html>`)}

	renderer := &fakeRenderer{page: contentPage(url)}
	svc := NewService(ServiceConfig{MinContentLength: 100}, fetcher, renderer, nil, nil)
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	result, err := svc.CrawlPage(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, 1, renderer.calls)
	require.Contains(t, result.Markdown, "prose")
}

// TestCrawlBatchSkipsFailures crawls three URLs where one is permanently
// broken and expects two results with no error.
func TestCrawlBatchSkipsFailures(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	good1 := "https://example.com/a"
	good2 := "https://example.com/b"
	bad := "https://example.com/broken"
	fetcher.pages[good1] = contentPage(good1)
	fetcher.pages[good2] = contentPage(good2)
	fetcher.failures[bad] = 10

	svc := newTestService(fetcher)
	var lastPct float64
	results := svc.CrawlBatch(context.Background(), []string{good1, bad, good2}, func(pct float64, _ string, _, _ int, _ string) {
		lastPct = pct
	})
	require.Len(t, results, 2)
	require.Equal(t, 100.0, lastPct)
}

// TestCrawlRecursiveRespectsDepth builds a three-level link chain and
// verifies a depth limit of 2 stops before the leaf.
func TestCrawlRecursiveRespectsDepth(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	root := "https://example.com/"
	mid := "https://example.com/mid"
	leaf := "https://example.com/leaf"
	fetcher.pages[root] = contentPage(root, "/mid")
	fetcher.pages[mid] = contentPage(mid, "/leaf")
	fetcher.pages[leaf] = contentPage(leaf)

	svc := newTestService(fetcher)
	results := svc.CrawlRecursive(context.Background(), []string{root}, 2, nil)

	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	require.ElementsMatch(t, []string{root, mid}, urls)
	require.Zero(t, fetcher.callCount(leaf))
}

// TestCrawlRecursiveDedupesFragments links the same page under different
// fragments and expects a single crawl.
func TestCrawlRecursiveDedupesFragments(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	root := "https://example.com/"
	page := "https://example.com/page"
	fetcher.pages[root] = contentPage(root, "/page#intro", "/page#usage", "/page")
	fetcher.pages[page] = contentPage(page)

	svc := newTestService(fetcher)
	results := svc.CrawlRecursive(context.Background(), []string{root}, 2, nil)
	require.Len(t, results, 2)
	require.Equal(t, 1, fetcher.callCount(page))
}

// TestCrawlRecursiveIgnoresExternalLinks keeps the walk on the seed host.
func TestCrawlRecursiveIgnoresExternalLinks(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	root := "https://example.com/"
	fetcher.pages[root] = contentPage(root, "https://other.org/elsewhere")

	svc := newTestService(fetcher)
	results := svc.CrawlRecursive(context.Background(), []string{root}, 3, nil)
	require.Len(t, results, 1)
	require.Zero(t, fetcher.callCount("https://other.org/elsewhere"))
}

// TestCrawlRecursiveProgressEndsAtHundred asserts the final report pins
// the local percentage at 100.
func TestCrawlRecursiveProgressEndsAtHundred(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	root := "https://example.com/"
	fetcher.pages[root] = contentPage(root)

	svc := newTestService(fetcher)
	var pcts []float64
	svc.CrawlRecursive(context.Background(), []string{root}, 1, func(pct float64, _ string, _, _ int, _ string) {
		pcts = append(pcts, pct)
	})
	require.NotEmpty(t, pcts)
	require.Equal(t, 100.0, pcts[len(pcts)-1])
	for _, pct := range pcts[:len(pcts)-1] {
		require.LessOrEqual(t, pct, 80.0)
	}
}
