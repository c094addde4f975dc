package main

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/scrapeserv/cleaner"
	"github.com/use-agent/scrapeserv/client"
	"github.com/use-agent/scrapeserv/models"
	"github.com/use-agent/scrapeserv/stream"
)

type fakeClient struct {
	gotReq    models.ScrapeRequest
	gotAccept string
	resp      *client.Response
	err       error
}

func (f *fakeClient) Scrape(_ context.Context, req models.ScrapeRequest, accept string) (*client.Response, error) {
	f.gotReq, f.gotAccept = req, accept
	return f.resp, f.err
}

func callTool(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = "scrape_url"
	req.Params.Arguments = args
	return req
}

func TestBuildRequest(t *testing.T) {
	req, accept, err := buildRequest("https://example.com", map[string]any{
		"wait": float64(0), "max_screenshots": float64(3), "width": float64(800), "height": float64(600), "format": "png",
	})
	require.NoError(t, err)
	require.NotNil(t, req.Wait)
	assert.Equal(t, 0, *req.Wait)
	assert.Equal(t, 3, *req.MaxScreenshots)
	assert.Equal(t, []int{800, 600}, req.BrowserDim)
	assert.Equal(t, "image/png", accept)

	req, accept, err = buildRequest("https://example.com", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, req.Wait)
	assert.Nil(t, req.BrowserDim)
	assert.Empty(t, accept)

	_, _, err = buildRequest("https://example.com", map[string]any{"width": float64(800)})
	assert.Error(t, err)
}

func TestHandleScrapeURL_HTML(t *testing.T) {
	fc := &fakeClient{resp: &client.Response{
		Info: stream.Info{Status: 200, Metadata: map[string]any{"final_url": "https://example.com/final"}},
		Content: client.Part{
			Name:        "main.html",
			ContentType: "text/html",
			Data:        []byte(`<html><body><p>Hi <a href="/x">there</a></p></body></html>`),
		},
		Screenshots: []client.Part{{Name: "ss0.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}},
	}}

	h := handleScrapeURL(fc, cleaner.New())
	res, err := h(context.Background(), callTool(map[string]any{"url": "https://example.com", "format": "png"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, "image/png", fc.gotAccept)
	require.Len(t, res.Content, 2)

	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Source: https://example.com/final")
	assert.Contains(t, text.Text, "[there](https://example.com/x)")

	img, ok := res.Content[1].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, "iVBORw==", img.Data)
}

func TestHandleScrapeURL_PlainText(t *testing.T) {
	fc := &fakeClient{resp: &client.Response{
		Info:    stream.Info{Status: 200},
		Content: client.Part{Name: "main.txt", ContentType: "text/plain", Data: []byte("<not html>")},
	}}

	res, err := handleScrapeURL(fc, cleaner.New())(context.Background(), callTool(map[string]any{"url": "https://example.com/a.txt"}))
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].(mcp.TextContent).Text, "<not html>")
}

func TestHandleScrapeURL_Errors(t *testing.T) {
	h := handleScrapeURL(&fakeClient{}, cleaner.New())
	res, err := h(context.Background(), callTool(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	fc := &fakeClient{err: &client.APIError{StatusCode: 400, Message: models.MsgUnsafeURL}}
	res, err = handleScrapeURL(fc, cleaner.New())(context.Background(), callTool(map[string]any{"url": "http://127.0.0.1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(mcp.TextContent).Text, models.MsgUnsafeURL)

	var apiErr *client.APIError
	assert.True(t, errors.As(fc.err, &apiErr))
}
