// Package scraper renders pages in headless Chromium via go-rod and implements
// engine.Executor.
package scraper

import (
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"

	"github.com/use-agent/scrapeserv/config"
	"github.com/use-agent/scrapeserv/guard"
	"github.com/use-agent/scrapeserv/metrics"
	"github.com/use-agent/scrapeserv/models"
)

// Scraper owns the browser process. Each render runs in its own incognito
// context. It is safe for concurrent use.
type Scraper struct {
	browser    *rod.Browser
	pid        int
	browserCfg config.BrowserConfig
	execCfg    config.ExecutorConfig
	guard      *guard.Guard
	fetcher    *documentFetcher
	slots      *slotPool
	metrics    *metrics.Metrics
}

// NewScraper launches a headless browser. g decides which URLs the browser
// may load; m may be nil.
func NewScraper(browserCfg config.BrowserConfig, execCfg config.ExecutorConfig, g *guard.Guard, m *metrics.Metrics) (*Scraper, error) {
	l := launcher.New().
		Headless(browserCfg.Headless).
		NoSandbox(browserCfg.NoSandbox)

	if browserCfg.BrowserBin != "" {
		l = l.Bin(browserCfg.BrowserBin)
	}

	// Never route through a proxy; every hop must be checked by the guard.
	l.Set(flags.Flag("no-proxy-server"))
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("hide-scrollbars"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("scraper: launch browser: %w", err)
	}
	slog.Info("browser launched", "controlURL", controlURL, "pid", l.PID())

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("scraper: connect to browser: %w", err)
	}

	slog.Info("render slots created",
		"maxConcurrent", execCfg.MaxConcurrentTasks,
		"maxQueue", execCfg.MaxQueue,
	)

	return &Scraper{
		browser:    browser,
		pid:        l.PID(),
		browserCfg: browserCfg,
		execCfg:    execCfg,
		guard:      g,
		fetcher:    newDocumentFetcher(execCfg.MaxDocumentBytes),
		slots:      newSlotPool(execCfg.MaxConcurrentTasks, execCfg.MaxQueue),
		metrics:    m,
	}, nil
}

// Stats returns a snapshot of render slot usage.
func (s *Scraper) Stats() models.ExecutorStats {
	active, waiting := s.slots.load()
	return models.ExecutorStats{
		MaxConcurrent: s.slots.max,
		Active:        active,
		Waiting:       waiting,
		MaxQueue:      s.slots.maxQueue,
		BrowserPID:    s.pid,
	}
}

// Close kills the browser process. Call on graceful shutdown to avoid
// zombie Chrome processes.
func (s *Scraper) Close() {
	slog.Info("scraper shutting down: closing browser")
	if err := s.browser.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	s.fetcher.client.CloseIdleConnections()
	slog.Info("scraper shutdown complete")
}
