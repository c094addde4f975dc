// Package client calls a scrapeserv instance and decodes its multipart
// responses.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/use-agent/scrapeserv/models"
	"github.com/use-agent/scrapeserv/stream"
)

// DefaultMaxPartBytes caps a single decoded part.
const DefaultMaxPartBytes = 64 << 20

// APIError is a non-200 answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scrapeserv: HTTP %d: %s", e.StatusCode, e.Message)
}

// Part is one binary part of a scrape response.
type Part struct {
	Name        string
	ContentType string
	Data        []byte
}

// Response is a decoded scrape.
type Response struct {
	Info        stream.Info
	Content     Part
	Screenshots []Part
}

// Client talks to one scrapeserv base URL.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	maxPartBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxPartBytes caps each decoded part.
func WithMaxPartBytes(n int64) Option {
	return func(c *Client) { c.maxPartBytes = n }
}

// New creates a client. apiKey may be empty for public-mode servers.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		maxPartBytes: DefaultMaxPartBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scrape posts req and decodes the multipart answer. accept selects the
// screenshot format; empty lets the server default to jpeg.
func (c *Client) Scrape(ctx context.Context, req models.ScrapeRequest, accept string) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return Decode(resp.Header.Get("Content-Type"), resp.Body, c.maxPartBytes)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body models.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

// Decode parses a multipart/mixed scrape body. The first part must be
// info.json and the second the page content; the rest are screenshots.
func Decode(contentType string, body io.Reader, maxPartBytes int64) (*Response, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("client: parse content type: %w", err)
	}
	if mediaType != "multipart/mixed" || params["boundary"] == "" {
		return nil, fmt.Errorf("client: unexpected content type %q", contentType)
	}

	mr := multipart.NewReader(body, params["boundary"])
	out := &Response{}
	for i := 0; ; i++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("client: read part %d: %w", i, err)
		}
		data, err := io.ReadAll(io.LimitReader(p, maxPartBytes+1))
		if err != nil {
			return nil, fmt.Errorf("client: read part %q: %w", p.FileName(), err)
		}
		if int64(len(data)) > maxPartBytes {
			return nil, fmt.Errorf("client: part %q exceeds %d bytes", p.FileName(), maxPartBytes)
		}
		part := Part{Name: p.FileName(), ContentType: p.Header.Get("Content-Type"), Data: data}

		switch i {
		case 0:
			if part.Name != "info.json" {
				return nil, fmt.Errorf("client: first part is %q, want info.json", part.Name)
			}
			if err := json.Unmarshal(data, &out.Info); err != nil {
				return nil, fmt.Errorf("client: decode info.json: %w", err)
			}
		case 1:
			out.Content = part
		default:
			out.Screenshots = append(out.Screenshots, part)
		}
	}
	if out.Content.Name == "" {
		return nil, errors.New("client: response has no content part")
	}
	return out, nil
}

// ContentBoundary is the boundary the service uses. Exposed for callers that
// stream the body themselves.
const ContentBoundary = stream.Boundary
