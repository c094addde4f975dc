package cleaner

import (
	"fmt"
	"mime"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

// Document is the Markdown rendition of a main document.
type Document struct {
	Title    string
	Markdown string
	// Readable reports whether readability found the main content. When
	// false the whole document was converted.
	Readable bool
}

// Converter is safe for concurrent use.
type Converter struct {
	conv *converter.Converter
}

// New builds a converter with the base, commonmark and table plugins.
func New() *Converter {
	return &Converter{conv: converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)}
}

// IsHTML reports whether contentType names an HTML document.
func IsHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// Convert extracts the readable part of rawHTML and renders it as Markdown.
// Relative links resolve against pageURL.
func (c *Converter) Convert(rawHTML, pageURL string) (Document, error) {
	article, ok := extractArticle(rawHTML, pageURL)

	md, err := c.conv.ConvertString(article.Content, converter.WithDomain(pageURL))
	if err != nil {
		return Document{}, fmt.Errorf("cleaner: convert to markdown: %w", err)
	}
	return Document{
		Title:    strings.TrimSpace(article.Title),
		Markdown: strings.TrimSpace(md),
		Readable: ok,
	}, nil
}
