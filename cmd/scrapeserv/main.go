package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/use-agent/scrapeserv/api"
	"github.com/use-agent/scrapeserv/api/handler"
	"github.com/use-agent/scrapeserv/config"
	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/guard"
	"github.com/use-agent/scrapeserv/metrics"
	"github.com/use-agent/scrapeserv/scraper"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scrapeserv: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("scrapeserv starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"auth", len(cfg.Auth.APIKeys) > 0,
	)
	slog.Info("effective limits",
		"maxWait", cfg.Limits.MaxWait,
		"defaultWait", cfg.Limits.DefaultWait,
		"maxScreenshots", cfg.Limits.MaxScreenshots,
		"defaultScreenshots", cfg.Limits.DefaultScreenshots,
		"minBrowserDim", cfg.Limits.MinBrowserDim.String(),
		"maxBrowserDim", cfg.Limits.MaxBrowserDim.String(),
		"defaultBrowserDim", cfg.Limits.DefaultBrowserDim.String(),
		"maxConcurrentTasks", cfg.Executor.MaxConcurrentTasks,
		"maxQueue", cfg.Executor.MaxQueue,
		"dispatchTimeout", cfg.Executor.DispatchTimeout,
	)

	// ── 3. Metrics and URL admission ────────────────────────────────
	m := metrics.New(prometheus.DefaultRegisterer)
	g := guard.New(
		guard.WithSchemes(cfg.Security.AllowedSchemes...),
		guard.WithDNSTimeout(cfg.Security.DNSTimeout),
	)

	// ── 4. Launch the browser executor ──────────────────────────────
	sc, err := scraper.NewScraper(cfg.Browser, cfg.Executor, g, m)
	if err != nil {
		slog.Error("failed to initialise scraper", "error", err)
		os.Exit(1)
	}
	defer sc.Close()

	d := engine.NewDispatcher(sc, cfg.Executor.DispatchTimeout, m)

	// ── 5. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(cfg, g, d, sc, m, time.Now())

	// ── 6. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext:       handler.ConnContext,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── 7. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		slog.Error("HTTP server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// sc.Close() runs via defer and kills Chrome.
	slog.Info("scrapeserv stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(h))
}
