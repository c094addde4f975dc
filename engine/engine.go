package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/use-agent/scrapeserv/models"
)

// ErrSaturated is returned by an Executor that has no free slot and no room
// left in its wait queue.
var ErrSaturated = errors.New("engine: executor saturated")

// Executor renders a single job. Implementations must honour ctx and must not
// follow redirects without re-checking the target.
type Executor interface {
	Render(ctx context.Context, job *Job) (*Result, error)
}

// Job is what the executor receives. It carries only validated values.
type Job struct {
	URL            string
	WaitMs         int
	Format         models.ImageFormat
	MaxScreenshots int
	Width          int
	Height         int
}

// JobFromParams converts validated request parameters into a Job.
func JobFromParams(p models.ScrapeParams) *Job {
	return &Job{
		URL:            p.URL,
		WaitMs:         p.WaitMs,
		Format:         p.Format,
		MaxScreenshots: p.MaxScreenshots,
		Width:          p.Viewport.Width,
		Height:         p.Viewport.Height,
	}
}

// Header is one response header as the page reported it. Names keep their
// original case until NormalizeHeaders runs.
type Header struct {
	Name  string
	Value string
}

// Result is the raw executor output. Content and Screenshots stay valid until
// Release is called.
type Result struct {
	Status      int
	Headers     []Header
	Content     Artifact
	Screenshots []Artifact
	Metadata    map[string]any

	// OnRelease removes the artifacts. Called at most once via Release.
	OnRelease func()

	once sync.Once
}

// Release frees the result's artifacts. Safe to call more than once.
func (r *Result) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.OnRelease != nil {
			r.OnRelease()
		}
	})
}

// Artifact is a readable handle to content produced by the executor.
type Artifact interface {
	Open() (io.ReadCloser, error)
}

// FileArtifact is an artifact stored on local disk.
type FileArtifact struct {
	Path string
}

func (a FileArtifact) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// BytesArtifact is an in-memory artifact.
type BytesArtifact []byte

func (a BytesArtifact) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(a)), nil
}

// NormalizeHeaders lowercases header names. When two headers collide after
// lowercasing, the later one wins.
func NormalizeHeaders(raw []Header) map[string]string {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		out[strings.ToLower(h.Name)] = h.Value
	}
	return out
}
