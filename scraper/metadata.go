package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

var (
	selHeadTitle   = cascadia.MustCompile("head title")
	selTitle       = cascadia.MustCompile("title")
	selHTML        = cascadia.MustCompile("html")
	selDescription = cascadia.MustCompile(`meta[name="description"]`)
	selCanonical   = cascadia.MustCompile(`link[rel="canonical"]`)
	selOpenGraph   = cascadia.MustCompile(`meta[property^="og:"]`)
)

// extractMetadata reads descriptive fields from rendered HTML. Missing fields
// are omitted. Parse failures yield an empty map.
func extractMetadata(rendered string) map[string]any {
	meta := map[string]any{}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered))
	if err != nil {
		return meta
	}

	setIf := func(key, val string) {
		if val = strings.TrimSpace(val); val != "" {
			meta[key] = val
		}
	}

	setIf("title", doc.FindMatcher(selHeadTitle).First().Text())
	if _, ok := meta["title"]; !ok {
		setIf("title", doc.FindMatcher(selTitle).First().Text())
	}
	setIf("lang", doc.FindMatcher(selHTML).AttrOr("lang", ""))
	setIf("description", doc.FindMatcher(selDescription).First().AttrOr("content", ""))
	setIf("canonical", doc.FindMatcher(selCanonical).First().AttrOr("href", ""))

	og := map[string]any{}
	doc.FindMatcher(selOpenGraph).Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		content := strings.TrimSpace(s.AttrOr("content", ""))
		key := strings.TrimPrefix(prop, "og:")
		if key == "" || content == "" {
			return
		}
		if _, seen := og[key]; !seen {
			og[key] = content
		}
	})
	if len(og) > 0 {
		meta["og"] = og
	}
	return meta
}
