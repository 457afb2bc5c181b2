// Package crawl fetches pages, renders JavaScript-heavy ones, and hands
// downstream stages markdown plus extracted links. Raw crawl output is
// ephemeral; only derived rows ever reach storage.
package crawl

import (
	"context"
	"net/http"
	"time"
)

// Page is the raw outcome of one fetch, before markdown conversion.
type Page struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Result is the processed outcome handed to ingestion. Links hold
// same-host absolute URLs discovered in the document.
type Result struct {
	URL      string
	Title    string
	Markdown string
	HTML     string
	Links    []string
}

// Fetcher retrieves a single page over plain HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Renderer retrieves a page through a headless browser, giving scripts
// settleTime to populate the DOM before the snapshot.
type Renderer interface {
	Render(ctx context.Context, url string, settleTime time.Duration) (Page, error)
}

// ProgressFn receives crawl progress as a local 0..100 percentage. The
// caller owns mapping it into an overall job range.
type ProgressFn func(pct float64, message string, processed, total int, currentURL string)
