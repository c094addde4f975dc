package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeserv/metrics"
	"github.com/use-agent/scrapeserv/stream"
)

// errClientGone means the caller disconnected; nothing more can be sent.
var errClientGone = errors.New("handler: client disconnected")

// writeStream sends the 200 header and then every chunk of enc, flushing
// after each one. Stopping the range loop early makes the encoder close
// whatever artifact is open.
func writeStream(c *gin.Context, enc *stream.Encoder, m *metrics.Metrics) (int64, error) {
	ctx := c.Request.Context()
	w := c.Writer

	w.Header().Set("Content-Type", enc.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.WriteHeaderNow()

	var written int64
	for chunk, err := range enc.Chunks() {
		if err != nil {
			return written, err
		}
		if ctx.Err() != nil {
			return written, fmt.Errorf("%w: %v", errClientGone, ctx.Err())
		}
		n, err := w.Write(chunk)
		written += int64(n)
		m.AddStreamedBytes(n)
		if err != nil {
			return written, fmt.Errorf("%w: %v", errClientGone, err)
		}
		w.Flush()
	}
	return written, nil
}

type connKey struct{}

// ConnContext is installed as http.Server.ConnContext so handlers can reach
// the raw connection when a response has to be cut short.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// abortConnection drops the connection without finishing the chunked body,
// so the client sees a transport error instead of a short multipart body
// that still parses. Without ConnContext it panics with http.ErrAbortHandler,
// which net/http answers by closing the connection; middleware.Recovery lets
// that panic through.
func abortConnection(c *gin.Context, log *slog.Logger) {
	c.Abort()

	if conn, ok := c.Request.Context().Value(connKey{}).(net.Conn); ok {
		if err := conn.Close(); err != nil {
			log.Debug("closing aborted connection", "error", err)
		}
		return
	}
	panic(http.ErrAbortHandler)
}
