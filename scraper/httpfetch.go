package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/guard"
)

const dialTimeout = 10 * time.Second

// chromeH1Spec builds a Chrome-like ClientHello with ALPN limited to
// http/1.1, since http.Transport cannot speak h2 over a utls connection.
// utls keeps pointers into the ClientHelloSpec it is given, so every connection needs
// its own copy.
func chromeH1Spec() (*tls.ClientHelloSpec, error) {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return nil, err
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			break
		}
	}
	return &spec, nil
}

// clientHandshake runs a TLS handshake over conn with the Chrome-like hello.
// If that hello cannot be built it falls back to the stock Go hello, still
// pinned to http/1.1.
func clientHandshake(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.UConn, error) {
	spec, err := chromeH1Spec()
	if err != nil {
		slog.Warn("httpfetch: chrome client hello unavailable, using default", "error", err)
		cfg = cfg.Clone()
		cfg.NextProtos = []string{"http/1.1"}
		uconn := tls.UClient(conn, cfg, tls.HelloGolang)
		if err := uconn.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return uconn, nil
	}

	uconn := tls.UClient(conn, cfg, tls.HelloCustom)
	if err := uconn.ApplyPreset(spec); err != nil {
		return nil, fmt.Errorf("httpfetch: apply tls spec: %w", err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return uconn, nil
}

// fetchedDocument is a document response as the browser will receive it.
type fetchedDocument struct {
	Status    int
	Header    http.Header
	Headers   []engine.Header
	Body      []byte
	Truncated bool
}

// documentFetcher loads navigation documents on behalf of the browser. Every
// connection goes through the guard dialer, so the IP that is actually
// contacted is checked, whatever DNS said earlier. Redirects are handed back
// to the browser untouched; the next hop is intercepted again.
type documentFetcher struct {
	client   *http.Client
	maxBytes int64
}

func newDocumentFetcher(maxBytes int64) *documentFetcher {
	dialer := guard.Dialer(dialTimeout)
	transport := &http.Transport{
		Proxy:       nil,
		DialContext: dialer.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn, err := clientHandshake(ctx, conn, &tls.Config{ServerName: host})
			if err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          32,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &documentFetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBytes: maxBytes,
	}
}

// fetch performs req. The caller's Accept-Encoding is dropped so the
// transport negotiates and decodes compression itself; the browser then gets
// an identity body.
func (f *documentFetcher) fetch(ctx context.Context, req *http.Request) (*fetchedDocument, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("httpfetch: read body: %w", err)
	}
	doc := &fetchedDocument{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Headers: flattenHeaders(resp.Header),
		Body:    body,
	}
	if int64(len(body)) > f.maxBytes {
		doc.Body = body[:f.maxBytes]
		doc.Truncated = true
	}
	return doc, nil
}

// flattenHeaders joins repeated values the way browsers report them. Names
// are sorted so the output is stable.
func flattenHeaders(h http.Header) []engine.Header {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]engine.Header, 0, len(names))
	for _, k := range names {
		sep := ", "
		if strings.EqualFold(k, "Set-Cookie") {
			sep = "\n"
		}
		out = append(out, engine.Header{Name: k, Value: strings.Join(h[k], sep)})
	}
	return out
}

// isUnsafeDial reports whether err came from the guard refusing an address.
func isUnsafeDial(err error) bool {
	var ue *guard.UnsafeDialError
	return errors.As(err, &ue)
}
