package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeserv/api/middleware"
	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/guard"
	"github.com/use-agent/scrapeserv/metrics"
	"github.com/use-agent/scrapeserv/models"
	"github.com/use-agent/scrapeserv/stream"
)

// MaxBodyBytes caps the JSON request body.
const MaxBodyBytes = 64 << 10

// Admitter decides whether a URL may be fetched.
type Admitter interface {
	Admit(ctx context.Context, rawURL string) guard.Decision
}

// Dispatcher runs a validated scrape.
type Dispatcher interface {
	Dispatch(ctx context.Context, p models.ScrapeParams) engine.Outcome
}

// Scrape returns a handler for POST /scrape.
//
// Orchestration flow (auth already ran as middleware):
//  1. Parse body; a missing url is rejected before anything else.
//  2. Admission: scheme + host safety. Runs before range checks.
//  3. Validation: ranges, then Accept negotiation.
//  4. Dispatch to the executor, bounded by the dispatcher timeout.
//  5. Stream the multipart body, flushing per chunk.
func Scrape(g Admitter, d Dispatcher, limits models.Limits, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := slog.With("request_id", middleware.RequestIDFrom(c))
		ctx := c.Request.Context()

		// ── 1. Parse ────────────────────────────────────────────────
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
		var req models.ScrapeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, log, m, "validation", bindError(err))
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			fail(c, log, m, "validation", models.NewScrapeError(models.ErrCodeInvalidInput, models.MsgNoURL, nil))
			return
		}
		log = log.With("url", req.URL)

		// ── 2. Admission ────────────────────────────────────────────
		decision := g.Admit(ctx, req.URL)
		if !decision.Allowed {
			m.RecordAdmissionDenied(string(decision.Reason))
			fail(c, log, m, "admission", models.NewScrapeError(
				models.ErrCodeAdmissionDenied, models.MsgUnsafeURL, errors.New(decision.Detail())))
			return
		}

		// ── 3. Validation ───────────────────────────────────────────
		params, err := models.Validate(req, c.GetHeader("Accept"), limits)
		if err != nil {
			fail(c, log, m, "validation", classifyValidation(err))
			return
		}
		log.Info("scrape accepted", "phase", "validation",
			"wait", params.WaitMs,
			"max_screenshots", params.MaxScreenshots,
			"width", params.Viewport.Width,
			"height", params.Viewport.Height,
			"format", params.Format,
		)

		// ── 4. Dispatch ─────────────────────────────────────────────
		outcome := d.Dispatch(ctx, params)
		if !outcome.OK() {
			fail(c, log, m, "dispatch", models.NewScrapeError(
				models.ErrCodeDispatchFailed, models.MsgGenericFailed, outcome.Failure))
			return
		}
		success := outcome.Success
		defer success.Release()

		enc, err := stream.New(success, params.Format)
		if err != nil {
			fail(c, log, m, "response", models.NewScrapeError(
				models.ErrCodeEncodingFailed, models.MsgGenericFailed, err))
			return
		}
		defer enc.Close()

		// ── 5. Stream ───────────────────────────────────────────────
		written, err := writeStream(c, enc, m)
		elapsed := time.Since(start)
		switch {
		case err == nil:
			m.RecordRequest("streamed")
			log.Info("scrape streamed", "phase", "response",
				"status", success.Status,
				"screenshots", len(success.Screenshots),
				"bytes", written,
				"elapsed", elapsed,
			)
		case errors.Is(err, errClientGone):
			m.RecordRequest("client_gone")
			m.RecordStreamAbort("client_gone")
			log.Info("client went away mid-stream", "phase", "response", "bytes", written, "error", err)
		default:
			m.RecordRequest("failed")
			m.RecordStreamAbort("artifact")
			log.Error("stream aborted", "phase", "response", "bytes", written, "error", err)
			abortConnection(c, log)
		}
	}
}

// bindError names the offending field when a JSON object was well formed but
// a value had the wrong type or overflowed. Anything else is a bad body.
func bindError(err error) *models.ScrapeError {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		field, _, _ := strings.Cut(te.Field, ".")
		return models.NewScrapeError(models.ErrCodeInvalidInput,
			fmt.Sprintf("Value for %q must be %s", field, expectedKind(field)), err)
	}
	return models.NewScrapeError(models.ErrCodeInvalidInput, models.MsgBadBody, err)
}

func expectedKind(field string) string {
	switch field {
	case "url":
		return "a string"
	case "browser_dim":
		return "a pair of integers"
	default:
		return "an integer"
	}
}

// classifyValidation turns a Validate error into a ScrapeError.
func classifyValidation(err error) *models.ScrapeError {
	var na *models.NotAcceptableError
	if errors.As(err, &na) {
		return models.NewScrapeError(models.ErrCodeNotAcceptable, na.Error(), err)
	}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return models.NewScrapeError(models.ErrCodeInvalidInput, ve.Message, err)
	}
	return models.NewScrapeError(models.ErrCodeInvalidInput, err.Error(), err)
}

// fail logs err and writes its caller-facing body.
func fail(c *gin.Context, log *slog.Logger, m *metrics.Metrics, phase string, err *models.ScrapeError) {
	status := mapErrorToStatus(err)
	attrs := []any{"phase", phase, "code", err.Code, "status", status, "error", err.Err}
	if status >= http.StatusInternalServerError {
		log.Error("scrape failed", attrs...)
	} else {
		log.Info("scrape rejected", attrs...)
	}
	m.RecordRequest(outcomeLabel(err.Code))
	respondError(c, err)
}

// respondError writes the {"error": "..."} body with the mapped status.
func respondError(c *gin.Context, err *models.ScrapeError) {
	c.AbortWithStatusJSON(mapErrorToStatus(err), err.ToResponse())
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.ScrapeError) int {
	switch e.Code {
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	case models.ErrCodeAdmissionDenied, models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeNotAcceptable:
		return http.StatusNotAcceptable // 406
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	default:
		return http.StatusInternalServerError // 500
	}
}

func outcomeLabel(code string) string {
	switch code {
	case models.ErrCodeAdmissionDenied:
		return "denied"
	case models.ErrCodeInvalidInput:
		return "invalid"
	case models.ErrCodeNotAcceptable:
		return "not_acceptable"
	case models.ErrCodeUnauthorized:
		return "unauthorized"
	default:
		return "failed"
	}
}
