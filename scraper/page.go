package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/models"
)

// Render loads job.URL in a fresh incognito context and captures the main
// document, up to job.MaxScreenshots viewport screenshots and page metadata.
//
// Lifecycle:
//
//  1. Slot          – wait for a render slot or fail with ErrSaturated
//  2. Workspace     – temp dir for artifacts, removed by Result.Release
//  3. Context       – incognito browser context + page, closed on return
//  4. Viewport / UA – before navigation so the first layout uses them
//  5. Hijack        – every request is admitted; documents fetched by us
//  6. Navigate      – wait for load, then the caller's extra wait
//  7. Capture       – main document, screenshots, metadata
func (s *Scraper) Render(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	// ── 1. Slot ───────────────────────────────────────────────────────
	releaseSlot, err := s.slots.acquire(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetExecutorLoad(s.slots.load())
	defer func() {
		releaseSlot()
		s.metrics.SetExecutorLoad(s.slots.load())
	}()

	// ── 2. Workspace ──────────────────────────────────────────────────
	dir, err := os.MkdirTemp(s.execCfg.TempDir, "scrape-*")
	if err != nil {
		return nil, fmt.Errorf("scraper: create workspace: %w", err)
	}
	res := &engine.Result{
		OnRelease: func() {
			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("cleanup: failed to remove workspace", "dir", dir, "error", err)
			}
		},
	}
	keep := false
	defer func() {
		if !keep {
			res.Release()
		}
	}()

	// ── 3. Context ────────────────────────────────────────────────────
	incognito, err := s.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("scraper: create incognito context: %w", err)
	}
	defer func() {
		if closeErr := incognito.Close(); closeErr != nil {
			slog.Warn("cleanup: failed to close incognito context", "error", closeErr)
		}
	}()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("scraper: create page: %w", err)
	}
	p := page.Context(ctx)

	// ── 4. Viewport / UA ──────────────────────────────────────────────
	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             job.Width,
		Height:            job.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("scraper: set viewport: %w", err)
	}
	if ua := s.browserCfg.UserAgent; ua != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			slog.Warn("user agent override failed", "error", err)
		}
	}
	if s.browserCfg.Stealth {
		if _, err := p.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}

	// ── 5. Intercept ──────────────────────────────────────────────────
	main := &mainDocument{}
	stopIntercept, err := s.interceptRequests(ctx, p, main)
	if err != nil {
		return nil, err
	}
	defer stopIntercept()

	// ── 6. Navigate ───────────────────────────────────────────────────
	navErr := p.Navigate(job.URL)
	if navErr == nil {
		if err := p.WaitLoad(); err != nil {
			slog.Debug("load event not observed, proceeding", "url", job.URL, "error", err)
		}
	}

	doc, docErr := main.get()
	if docErr != nil {
		if navErr != nil {
			return nil, fmt.Errorf("scraper: navigate: %w (document: %v)", navErr, docErr)
		}
		return nil, fmt.Errorf("scraper: navigate: %w", docErr)
	}
	if navErr != nil {
		// Non-renderable documents (downloads, PDFs) abort navigation but the
		// response was still captured.
		slog.Info("navigation did not commit, returning document only", "url", job.URL, "error", navErr)
	}

	if navErr == nil && job.WaitMs > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(job.WaitMs) * time.Millisecond):
		}
	}

	// ── 7. Capture ────────────────────────────────────────────────────
	contentPath := filepath.Join(dir, "main")
	if err := os.WriteFile(contentPath, doc.Body, 0o600); err != nil {
		return nil, fmt.Errorf("scraper: write content: %w", err)
	}
	res.Status = doc.Status
	res.Headers = doc.Headers
	res.Content = engine.FileArtifact{Path: contentPath}

	meta := map[string]any{}
	if navErr == nil {
		res.Screenshots = s.screenshots(p, job, dir)
		if html, err := p.HTML(); err == nil {
			meta = extractMetadata(html)
		}
		if u := evalStringOrEmpty(p, `() => window.location.href`); u != "" {
			meta["final_url"] = u
		}
	}
	if _, ok := meta["final_url"]; !ok {
		meta["final_url"] = job.URL
	}
	meta["screenshot_count"] = len(res.Screenshots)
	if doc.Truncated {
		meta["truncated"] = true
	}
	res.Metadata = meta

	keep = true
	return res, nil
}

// screenshots captures successive viewport-sized frames from the top of the
// page. Capture stops at the first failure; frames taken so far are kept.
func (s *Scraper) screenshots(p *rod.Page, job *engine.Job, dir string) []engine.Artifact {
	if job.MaxScreenshots <= 0 {
		return nil
	}

	scrollHeight := job.Height
	if res, err := p.Eval(`() => Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0)`); err == nil {
		scrollHeight = res.Value.Int()
	}

	req := &proto.PageCaptureScreenshot{Format: captureFormat(job.Format)}
	if job.Format != models.FormatPNG {
		req.Quality = gson.Int(s.execCfg.ScreenshotQuality)
	}

	var out []engine.Artifact
	for i, offset := range screenshotOffsets(scrollHeight, job.Height, job.MaxScreenshots) {
		if _, err := p.Eval(`(y) => window.scrollTo(0, y)`, offset); err != nil {
			slog.Debug("scroll failed, stopping capture", "offset", offset, "error", err)
			break
		}
		img, err := p.Screenshot(false, req)
		if err != nil {
			slog.Debug("screenshot failed, stopping capture", "index", i, "error", err)
			break
		}
		path := filepath.Join(dir, fmt.Sprintf("ss%d.%s", i, job.Format))
		if err := os.WriteFile(path, img, 0o600); err != nil {
			slog.Warn("writing screenshot failed", "path", path, "error", err)
			break
		}
		out = append(out, engine.FileArtifact{Path: path})
	}
	return out
}

// screenshotOffsets returns the scroll positions for up to max frames of
// viewportHeight each. There is always at least one frame when max > 0.
func screenshotOffsets(scrollHeight, viewportHeight, max int) []int {
	if max <= 0 || viewportHeight <= 0 {
		return nil
	}
	offsets := []int{0}
	for y := viewportHeight; y < scrollHeight && len(offsets) < max; y += viewportHeight {
		offsets = append(offsets, y)
	}
	return offsets
}

func captureFormat(f models.ImageFormat) proto.PageCaptureScreenshotFormat {
	switch f {
	case models.FormatPNG:
		return proto.PageCaptureScreenshotFormatPng
	case models.FormatWebP:
		return proto.PageCaptureScreenshotFormatWebp
	default:
		return proto.PageCaptureScreenshotFormatJpeg
	}
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}
