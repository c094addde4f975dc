// Package cleaner turns a scraped main document into Markdown for
// LLM-facing callers such as the MCP server.
package cleaner

import (
	"log/slog"
	nurl "net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the shortest readable text we trust. Shorter output
// means readability missed the main content.
const minContentLength = 50

// extractArticle runs readability on rawHTML. ok is false when the raw
// document was kept instead.
func extractArticle(rawHTML, pageURL string) (article readability.Article, ok bool) {
	parsed, err := nurl.Parse(pageURL)
	if err != nil {
		slog.Warn("readability: invalid page URL, keeping raw document", "url", pageURL, "error", err)
		return readability.Article{Content: rawHTML}, false
	}

	article, err = readability.FromReader(strings.NewReader(rawHTML), parsed)
	if err != nil {
		slog.Warn("readability: extraction failed, keeping raw document", "url", pageURL, "error", err)
		return readability.Article{Content: rawHTML}, false
	}

	if len(strings.TrimSpace(article.TextContent)) < minContentLength {
		slog.Debug("readability: extracted text too short, keeping raw document",
			"url", pageURL, "length", len(article.TextContent),
		)
		return readability.Article{Content: rawHTML, Title: article.Title}, false
	}
	return article, true
}
