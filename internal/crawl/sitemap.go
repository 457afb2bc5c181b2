package crawl

import (
	"context"
	"encoding/xml"

	"go.uber.org/zap"
)

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapLoc `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// ParseSitemap fetches and decodes a sitemap, following one level of
// sitemap-index nesting. Failures are logged and produce an empty slice;
// a broken sitemap never fails the job.
func (s *Service) ParseSitemap(ctx context.Context, url string) []string {
	return s.parseSitemap(ctx, url, true)
}

func (s *Service) parseSitemap(ctx context.Context, url string, followIndex bool) []string {
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		s.logger.Warn("sitemap fetch failed", zap.String("url", url), zap.Error(err))
		return []string{}
	}

	var urlset sitemapURLSet
	if err := xml.Unmarshal(page.Body, &urlset); err == nil && len(urlset.URLs) > 0 {
		return locs(urlset.URLs)
	}

	var index sitemapIndex
	if err := xml.Unmarshal(page.Body, &index); err == nil && len(index.Sitemaps) > 0 {
		if !followIndex {
			return []string{}
		}
		var out []string
		for _, child := range index.Sitemaps {
			if child.Loc == "" {
				continue
			}
			out = append(out, s.parseSitemap(ctx, child.Loc, false)...)
		}
		if out == nil {
			out = []string{}
		}
		return out
	}

	s.logger.Warn("sitemap decode produced no urls", zap.String("url", url))
	return []string{}
}

func locs(entries []sitemapLoc) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Loc != "" {
			out = append(out, e.Loc)
		}
	}
	return out
}
