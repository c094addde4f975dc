package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/scrapeserv/guard"
)

// errNoDocument means navigation finished without a main-frame response.
var errNoDocument = errors.New("scraper: no main document captured")

// mainDocument records the last main-frame document response. Redirect hops
// overwrite earlier ones, so the final response wins.
type mainDocument struct {
	mu  sync.Mutex
	doc *fetchedDocument
	err error
}

func (m *mainDocument) set(doc *fetchedDocument, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc, m.err = doc, err
}

func (m *mainDocument) get() (*fetchedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil && m.err == nil {
		return nil, errNoDocument
	}
	return m.doc, m.err
}

// interceptMode is what the router does with one paused request.
type interceptMode int

const (
	modeBlock    interceptMode = iota // admission refused the URL
	modeContinue                      // let the browser load it
	modeFetch                         // load it through the guarded fetcher
)

// decideIntercept picks the mode for a request that passed or failed
// admission. Documents are always fetched by us so that the dialer sees the
// concrete address; other resource types are left to the browser.
func decideIntercept(allowed bool, resourceType proto.NetworkResourceType) interceptMode {
	switch {
	case !allowed:
		return modeBlock
	case resourceType == proto.NetworkResourceTypeDocument:
		return modeFetch
	default:
		return modeContinue
	}
}

// failReason maps a fetch error to the network error the page observes.
func failReason(err error) proto.NetworkErrorReason {
	switch {
	case isUnsafeDial(err):
		return proto.NetworkErrorReasonBlockedByClient
	case errors.Is(err, context.DeadlineExceeded):
		return proto.NetworkErrorReasonTimedOut
	case errors.Is(err, context.Canceled):
		return proto.NetworkErrorReasonAborted
	default:
		return proto.NetworkErrorReasonConnectionFailed
	}
}

// blockedURLPatterns are refused by the browser itself. The Fetch domain
// never pauses WebSocket handshakes, so they cannot be admitted per request.
var blockedURLPatterns = []string{"ws://*", "wss://*"}

// disableWebSocketJS removes the WebSocket constructor in every frame, in
// case a blocked URL pattern is bypassed.
const disableWebSocketJS = `(() => {
	const blocked = function () { throw new DOMException("WebSocket is disabled", "SecurityError"); };
	Object.defineProperty(window, "WebSocket", { value: blocked, writable: false, configurable: false });
})();`

// isMainDocument reports whether a paused request is a document load of the
// page's top frame. Iframe documents are fetched the same way but never
// become the scraped content.
func isMainDocument(e *proto.FetchRequestPaused, mainFrame proto.PageFrameID) bool {
	return e.ResourceType == proto.NetworkResourceTypeDocument && e.FrameID == mainFrame
}

// pausedRequest rebuilds the browser's request as an *http.Request.
func pausedRequest(ctx context.Context, r *proto.NetworkRequest) (*http.Request, error) {
	var body []byte
	for _, entry := range r.PostDataEntries {
		body = append(body, entry.Bytes...)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		req.Body = http.NoBody
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v.Str())
	}
	return req, nil
}

// blockWebSockets closes the hole the interceptor cannot see.
func blockWebSockets(page *rod.Page) error {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("scraper: enable network domain: %w", err)
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLPatterns}).Call(page); err != nil {
		return fmt.Errorf("scraper: block websocket urls: %w", err)
	}
	if _, err := page.EvalOnNewDocument(disableWebSocketJS); err != nil {
		return fmt.Errorf("scraper: disable websocket constructor: %w", err)
	}
	return nil
}

// interceptRequests pauses every request of page in the Fetch domain and
// routes it through admission. The returned stop function ends interception
// and waits for in-flight handlers.
func (s *Scraper) interceptRequests(ctx context.Context, page *rod.Page, main *mainDocument) (stop func(), err error) {
	if err := blockWebSockets(page); err != nil {
		return nil, err
	}

	events, cancel := page.WithCancel()
	if err := (proto.FetchEnable{Patterns: []*proto.FetchRequestPattern{{URLPattern: "*"}}}).Call(events); err != nil {
		cancel()
		return nil, fmt.Errorf("scraper: enable request interception: %w", err)
	}

	var inflight sync.WaitGroup
	wait := events.EachEvent(func(e *proto.FetchRequestPaused) {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.handlePaused(ctx, events, e, isMainDocument(e, page.FrameID), main)
		}()
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()

	return func() {
		cancel()
		<-done
		inflight.Wait()
	}, nil
}

// handlePaused answers one paused request: fail it, let the browser continue
// it, or fulfil it from the guarded fetcher.
func (s *Scraper) handlePaused(ctx context.Context, page *rod.Page, e *proto.FetchRequestPaused, isMain bool, main *mainDocument) {
	rawURL := e.Request.URL
	d := s.guard.Admit(ctx, rawURL)

	var err error
	switch decideIntercept(d.Allowed, e.ResourceType) {
	case modeBlock:
		slog.Info("blocked browser request", "url", rawURL, "reason", d.Reason, "detail", d.Detail())
		s.metrics.RecordAdmissionDenied(string(d.Reason))
		if isMain {
			main.set(nil, &guardError{Decision: d})
		}
		err = proto.FetchFailRequest{RequestID: e.RequestID, ErrorReason: proto.NetworkErrorReasonBlockedByClient}.Call(page)

	case modeContinue:
		err = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)

	case modeFetch:
		err = s.fulfil(ctx, page, e, isMain, main)
	}
	if err != nil {
		slog.Debug("answering paused request failed", "url", rawURL, "error", err)
	}
}

func (s *Scraper) fulfil(ctx context.Context, page *rod.Page, e *proto.FetchRequestPaused, isMain bool, main *mainDocument) error {
	rawURL := e.Request.URL
	req, err := pausedRequest(ctx, e.Request)
	if err != nil {
		if isMain {
			main.set(nil, err)
		}
		return proto.FetchFailRequest{RequestID: e.RequestID, ErrorReason: proto.NetworkErrorReasonFailed}.Call(page)
	}

	doc, err := s.fetcher.fetch(ctx, req)
	if isMain {
		main.set(doc, err)
	}
	if err != nil {
		slog.Info("document fetch failed", "url", rawURL, "error", err)
		return proto.FetchFailRequest{RequestID: e.RequestID, ErrorReason: failReason(err)}.Call(page)
	}
	if doc.Truncated {
		slog.Warn("document truncated", "url", rawURL, "limit", s.fetcher.maxBytes)
	}
	return proto.FetchFulfillRequest{
		RequestID:       e.RequestID,
		ResponseCode:    doc.Status,
		ResponseHeaders: fulfillHeaders(doc.Header),
		Body:            doc.Body,
	}.Call(page)
}

// fulfillHeaders lists the headers for Fetch.fulfillRequest, one entry per
// value. Content-Length is dropped because the body may have been decoded or
// truncated.
func fulfillHeaders(h http.Header) []*proto.FetchHeaderEntry {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	var entries []*proto.FetchHeaderEntry
	for _, k := range names {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range h[k] {
			entries = append(entries, &proto.FetchHeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}

// guardError carries a refused admission decision for the main document.
type guardError struct {
	Decision guard.Decision
}

func (e *guardError) Error() string {
	return "scraper: main document refused: " + e.Decision.Detail()
}
