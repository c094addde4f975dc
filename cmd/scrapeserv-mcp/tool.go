package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/scrapeserv/cleaner"
	"github.com/use-agent/scrapeserv/client"
	"github.com/use-agent/scrapeserv/models"
)

// scrapeClient is the part of client.Client the tool needs.
type scrapeClient interface {
	Scrape(ctx context.Context, req models.ScrapeRequest, accept string) (*client.Response, error)
}

func handleScrapeURL(sc scrapeClient, conv *cleaner.Converter) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		req, accept, err := buildRequest(url, request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := sc.Scrape(ctx, req, accept)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("scrape failed: %v", err)), nil
		}

		text, err := renderText(conv, url, resp)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		content := []mcp.Content{mcp.NewTextContent(text)}
		for _, ss := range resp.Screenshots {
			content = append(content, mcp.NewImageContent(
				base64.StdEncoding.EncodeToString(ss.Data), ss.ContentType,
			))
		}
		return &mcp.CallToolResult{Content: content}, nil
	}
}

// buildRequest maps tool arguments onto a scrape request. Absent arguments
// stay absent so the server applies its own defaults.
func buildRequest(url string, args map[string]any) (models.ScrapeRequest, string, error) {
	req := models.ScrapeRequest{URL: url}

	if v, ok := intArg(args, "wait"); ok {
		req.Wait = &v
	}
	if v, ok := intArg(args, "max_screenshots"); ok {
		req.MaxScreenshots = &v
	}

	w, hasW := intArg(args, "width")
	h, hasH := intArg(args, "height")
	switch {
	case hasW && hasH:
		req.BrowserDim = []int{w, h}
	case hasW || hasH:
		return req, "", fmt.Errorf("width and height must be given together")
	}

	var accept string
	if f, ok := args["format"].(string); ok && f != "" {
		accept = "image/" + f
	}
	return req, accept, nil
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func renderText(conv *cleaner.Converter, url string, resp *client.Response) (string, error) {
	var b strings.Builder
	finalURL, _ := resp.Info.Metadata["final_url"].(string)
	if finalURL == "" {
		finalURL = url
	}

	body := string(resp.Content.Data)
	title, _ := resp.Info.Metadata["title"].(string)
	if cleaner.IsHTML(resp.Content.ContentType) {
		doc, err := conv.Convert(body, finalURL)
		if err != nil {
			return "", err
		}
		if doc.Title != "" {
			title = doc.Title
		}
		body = doc.Markdown
	}

	if title != "" {
		fmt.Fprintf(&b, "Title: %s\n", title)
	}
	fmt.Fprintf(&b, "Source: %s\nStatus: %d\nScreenshots: %d\n\n", finalURL, resp.Info.Status, len(resp.Screenshots))
	b.WriteString(body)
	return b.String(), nil
}
