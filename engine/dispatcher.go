package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/scrapeserv/metrics"
	"github.com/use-agent/scrapeserv/models"
)

// DefaultTimeout bounds a dispatch when the caller configures none.
const DefaultTimeout = 60 * time.Second

// Kind classifies a failed dispatch. It is for logs and metrics only; callers
// of the HTTP API see one generic error.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindExecutor  Kind = "executor"
	KindSaturated Kind = "saturated"
	KindCanceled  Kind = "canceled"
)

// Failure describes why a dispatch produced no result.
type Failure struct {
	Kind  Kind
	Cause error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("dispatch %s: %v", f.Kind, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Success is a completed render with normalized headers. The caller owns it
// and must call Release once the artifacts have been streamed.
type Success struct {
	Status      int
	Headers     map[string]string
	Content     Artifact
	Screenshots []Artifact
	Metadata    map[string]any

	result *Result
}

// Release frees the underlying artifacts.
func (s *Success) Release() {
	if s == nil {
		return
	}
	s.result.Release()
}

// Outcome is exactly one of Success or Failure.
type Outcome struct {
	Success *Success
	Failure *Failure
}

// OK reports whether the dispatch succeeded.
func (o Outcome) OK() bool { return o.Success != nil }

// Dispatcher hands validated jobs to an Executor and bounds how long it
// waits for them.
type Dispatcher struct {
	exec    Executor
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. A non-positive timeout means
// DefaultTimeout. m may be nil.
func NewDispatcher(exec Executor, timeout time.Duration, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{exec: exec, timeout: timeout, metrics: m}
}

type rendered struct {
	res *Result
	err error
}

// Dispatch submits p to the executor exactly once and waits for it, for at
// most the dispatcher timeout measured from submission. A result that shows
// up after the deadline is released without being returned.
func (d *Dispatcher) Dispatch(ctx context.Context, p models.ScrapeParams) Outcome {
	start := time.Now()
	job := JobFromParams(p)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan rendered, 1)
	go d.run(runCtx, job, done)

	var out Outcome
	select {
	case r := <-done:
		out = d.settle(ctx, runCtx, r)
	case <-runCtx.Done():
		go releaseLate(done)
		kind := KindTimeout
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		out = Outcome{Failure: &Failure{Kind: kind, Cause: runCtx.Err()}}
	}

	elapsed := time.Since(start)
	if out.OK() {
		d.metrics.RecordDispatch("success", elapsed.Seconds())
		slog.Debug("dispatch succeeded", "url", job.URL, "status", out.Success.Status, "elapsed", elapsed)
	} else {
		d.metrics.RecordDispatch(string(out.Failure.Kind), elapsed.Seconds())
		slog.Warn("dispatch failed", "url", job.URL, "kind", out.Failure.Kind, "error", out.Failure.Cause, "elapsed", elapsed)
	}
	return out
}

// run invokes the executor. A panic inside Render is reported as an executor
// failure rather than taking the process down.
func (d *Dispatcher) run(ctx context.Context, job *Job, done chan<- rendered) {
	defer func() {
		if rec := recover(); rec != nil {
			done <- rendered{err: fmt.Errorf("engine: executor panic: %v", rec)}
		}
	}()
	res, err := d.exec.Render(ctx, job)
	done <- rendered{res: res, err: err}
}

func (d *Dispatcher) settle(parent, runCtx context.Context, r rendered) Outcome {
	if r.err != nil {
		r.res.Release()
		return Outcome{Failure: &Failure{Kind: classify(parent, runCtx, r.err), Cause: r.err}}
	}
	if r.res == nil {
		return Outcome{Failure: &Failure{Kind: KindExecutor, Cause: errors.New("engine: executor returned no result")}}
	}
	if r.res.Content == nil {
		r.res.Release()
		return Outcome{Failure: &Failure{Kind: KindExecutor, Cause: errors.New("engine: executor returned no content")}}
	}
	return Outcome{Success: &Success{
		Status:      r.res.Status,
		Headers:     NormalizeHeaders(r.res.Headers),
		Content:     r.res.Content,
		Screenshots: r.res.Screenshots,
		Metadata:    r.res.Metadata,
		result:      r.res,
	}}
}

func classify(parent, runCtx context.Context, err error) Kind {
	switch {
	case errors.Is(err, ErrSaturated):
		return KindSaturated
	case parent.Err() != nil:
		return KindCanceled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindExecutor
	}
}

func releaseLate(done <-chan rendered) {
	r := <-done
	if r.res != nil {
		slog.Debug("releasing late render result")
		r.res.Release()
	}
}
