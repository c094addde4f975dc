// Package stream encodes a render result as a multipart/mixed body that can
// be produced lazily, one chunk at a time.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"

	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/models"
)

// Boundary separates parts. It is fixed so that clients of the original
// deployment keep working.
const Boundary = "Boundary712sAM12MVaJff23NXJ"

// ChunkSize is the read size used when copying artifacts.
const ChunkSize = 4096

var (
	// ErrMissingContentType means the page response had no content-type
	// header, so the main part cannot be named.
	ErrMissingContentType = errors.New("stream: result has no content-type header")

	// ErrConsumed is yielded when Chunks is iterated a second time.
	ErrConsumed = errors.New("stream: encoder already consumed")
)

// EncodingError reports an artifact that could not be opened or read.
type EncodingError struct {
	Part string
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("stream: encoding part %s: %v", e.Part, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Info is the JSON body of the first part.
type Info struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Metadata map[string]any    `json:"metadata"`
}

// Encoder turns one successful render into a multipart body.
type Encoder struct {
	info        []byte
	contentType string
	mainName    string
	content     *onceCloser
	screenshots []engine.Artifact
	format      models.ImageFormat

	used atomic.Bool
}

// New prepares an encoder. The main content is opened here, so an unreadable
// content artifact fails before any response status is committed. Nothing is
// read until Chunks is iterated. Call Close when the encoder is done with.
func New(s *engine.Success, format models.ImageFormat) (*Encoder, error) {
	ct, ok := s.Headers["content-type"]
	if !ok || strings.TrimSpace(ct) == "" {
		return nil, ErrMissingContentType
	}
	mainName := "main" + ExtensionFor(ct)

	headers := s.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	info, err := json.Marshal(Info{Status: s.Status, Headers: headers, Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("stream: marshal info: %w", err)
	}

	if s.Content == nil {
		return nil, &EncodingError{Part: mainName, Err: errors.New("no content artifact")}
	}
	rc, err := s.Content.Open()
	if err != nil {
		return nil, &EncodingError{Part: mainName, Err: err}
	}

	return &Encoder{
		info:        info,
		contentType: ct,
		mainName:    mainName,
		content:     &onceCloser{ReadCloser: rc},
		screenshots: s.Screenshots,
		format:      format,
	}, nil
}

// Close releases the pre-opened content if Chunks never got to it. It is safe
// to call after the stream finished.
func (e *Encoder) Close() error {
	return e.content.Close()
}

// ContentType is the value for the response Content-Type header.
func (e *Encoder) ContentType() string {
	return "multipart/mixed; boundary=" + Boundary
}

// Chunks yields the body in order. Stopping the iteration early closes any
// artifact that is open. The sequence can be iterated once; later attempts
// yield ErrConsumed.
func (e *Encoder) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !e.used.CompareAndSwap(false, true) {
			yield(nil, ErrConsumed)
			return
		}
		defer e.content.Close()

		head := "--" + Boundary + "\r\n" +
			"Content-Type: application/json\r\n" +
			`Content-Disposition: attachment; name="info.json"; filename="info.json"` + "\r\n\r\n"
		if !yield([]byte(head), nil) || !yield(e.info, nil) {
			return
		}

		opened := func() (io.ReadCloser, error) { return e.content, nil }
		if !e.emitPart(yield, e.mainName, e.contentType, opened) {
			return
		}

		imageType := e.format.MIMEType()
		for i, ss := range e.screenshots {
			name := fmt.Sprintf("ss%d.%s", i, e.format)
			if !e.emitPart(yield, name, imageType, ss.Open) {
				return
			}
		}

		yield([]byte("\r\n--"+Boundary+"--\r\n"), nil)
	}
}

// emitPart writes the delimiter, headers and body of one binary part. It
// returns false when iteration must stop.
func (e *Encoder) emitPart(yield func([]byte, error) bool, filename, contentType string, open func() (io.ReadCloser, error)) bool {
	head := "\r\n--" + Boundary + "\r\n" +
		fmt.Sprintf("Content-Disposition: attachment; name=%q; filename=%q\r\n", filename, filename) +
		"Content-Transfer-Encoding: binary\r\n" +
		"Content-Type: " + contentType + "\r\n\r\n"
	if !yield([]byte(head), nil) {
		return false
	}

	rc, err := open()
	if err != nil {
		yield(nil, &EncodingError{Part: filename, Err: err})
		return false
	}
	defer rc.Close()

	buf := make([]byte, ChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			// Consumers may retain the slice, so hand out a copy.
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !yield(chunk, nil) {
				return false
			}
		}
		if err == io.EOF {
			return true
		}
		if err != nil {
			yield(nil, &EncodingError{Part: filename, Err: err})
			return false
		}
	}
}

// onceCloser makes Close idempotent so the encoder and its caller can both
// release the content.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}

// WriteTo drains the encoder into w.
func (e *Encoder) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for chunk, err := range e.Chunks() {
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ExtensionFor maps a content-type header to a file extension including the
// leading dot. Parameters such as charset are ignored. Unknown types map to "".
func ExtensionFor(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "" {
		return ""
	}
	if m := mimetype.Lookup(mt); m != nil {
		return m.Extension()
	}
	return ""
}
