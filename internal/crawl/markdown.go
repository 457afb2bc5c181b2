package crawl

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var tagStripper = regexp.MustCompile(`<[^>]*>`)

// ToMarkdown converts an HTML document to markdown. On converter failure
// it degrades to tag stripping so a page is never lost to a conversion
// quirk.
func ToMarkdown(baseURL, html string) string {
	converter := md.NewConverter(baseURL, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		converted = tagStripper.ReplaceAllString(html, " ")
	}
	return strings.TrimSpace(converted)
}

// ExtractTitle returns the document title, falling back to the first h1.
func ExtractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return ""
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// ExtractLinks returns normalized absolute same-host links found in the
// document. Fragments and mailto/javascript schemes are dropped.
func ExtractLinks(pageURL, html string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		switch ref.Scheme {
		case "", "http", "https":
		default:
			return
		}
		abs := base.ResolveReference(ref)
		if !sameHost(base, abs) {
			return
		}
		normalized, err := NormalizeURL(abs.String())
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links, nil
}
