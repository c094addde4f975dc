package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/scrapeserv/api/handler"
	"github.com/use-agent/scrapeserv/cleaner"
	"github.com/use-agent/scrapeserv/client"
)

func main() {
	apiURL := os.Getenv("SCRAPESERV_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:5006"
	}
	// Optional: servers without API keys run in public mode.
	apiKey := os.Getenv("SCRAPESERV_API_KEY")

	s := server.NewMCPServer(
		"scrapeserv",
		handler.Version,
		server.WithToolCapabilities(false),
	)

	s.AddTool(scrapeURLTool(), handleScrapeURL(client.New(apiURL, apiKey), cleaner.New()))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func scrapeURLTool() mcp.Tool {
	return mcp.NewTool("scrape_url",
		mcp.WithDescription("Render a web page in a headless browser. Returns the page as Markdown (or raw text for non-HTML content) followed by viewport screenshots."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the web page to scrape"),
		),
		mcp.WithNumber("wait",
			mcp.Description("Milliseconds to let the page settle after load (server default: 1000)"),
		),
		mcp.WithNumber("max_screenshots",
			mcp.Description("Maximum number of viewport screenshots, 0 for none (server default: 1)"),
		),
		mcp.WithNumber("width",
			mcp.Description("Viewport width in pixels; requires height"),
		),
		mcp.WithNumber("height",
			mcp.Description("Viewport height in pixels; requires width"),
		),
		mcp.WithString("format",
			mcp.Description("Screenshot format: 'jpeg' (default), 'png', or 'webp'"),
			mcp.Enum("jpeg", "png", "webp"),
		),
	)
}
