package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is built once at startup
// and shared read-only afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Limits    LimitsConfig    `yaml:"limits"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Security  SecurityConfig  `yaml:"security"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"` // default: "0.0.0.0"
	Port int    `yaml:"port"` // default: 5006
	Mode string `yaml:"mode"` // "debug", "release", "test"; default: "release"

	// ShutdownGrace is how long in-flight requests get to drain on SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"` // default: 10s
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	Headless   bool   `yaml:"headless"`    // default: true
	NoSandbox  bool   `yaml:"no_sandbox"`  // default: false
	BrowserBin string `yaml:"browser_bin"` // overrides the Chromium binary path

	// Stealth injects go-rod/stealth evasions into every page.
	Stealth bool `yaml:"stealth"` // default: false

	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string `yaml:"user_agent"`
}

// Dim is a viewport size in CSS pixels.
type Dim struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (d Dim) String() string { return fmt.Sprintf("%dx%d", d.Width, d.Height) }

// LimitsConfig bounds every caller-controlled scrape parameter.
type LimitsConfig struct {
	MaxWait            int `yaml:"max_wait"`            // ms; default: 5000
	DefaultWait        int `yaml:"default_wait"`        // ms; default: 1000
	MaxScreenshots     int `yaml:"max_screenshots"`     // default: 5
	DefaultScreenshots int `yaml:"default_screenshots"` // default: 1
	MinBrowserDim      Dim `yaml:"min_browser_dim"`     // default: 100x100
	MaxBrowserDim      Dim `yaml:"max_browser_dim"`     // default: 2400x4000
	DefaultBrowserDim  Dim `yaml:"default_browser_dim"` // default: 1280x2000
}

// ExecutorConfig controls the render executor and the dispatch contract.
type ExecutorConfig struct {
	// MaxConcurrentTasks caps simultaneous renders.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"` // default: 3

	// MaxQueue is how many jobs may wait for a render slot before new jobs
	// are rejected as saturated.
	MaxQueue int `yaml:"max_queue"` // default: 16

	// DispatchTimeout is the wall-clock ceiling from submission to result.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"` // default: 60s

	// ScreenshotQuality applies to jpeg and webp captures.
	ScreenshotQuality int `yaml:"screenshot_quality"` // default: 85

	// MaxDocumentBytes caps the main document body captured per render.
	MaxDocumentBytes int64 `yaml:"max_document_bytes"` // default: 10 MiB

	// TempDir is where rendered artifacts are written; empty uses os.TempDir.
	TempDir string `yaml:"temp_dir"`
}

// SecurityConfig controls URL admission.
type SecurityConfig struct {
	AllowedSchemes []string      `yaml:"allowed_schemes"` // default: [http, https]
	DNSTimeout     time.Duration `yaml:"dns_timeout"`     // default: 5s
}

// AuthConfig controls bearer-token authentication. An empty key list means
// public mode.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`             // default: true
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 2
	Burst             int     `yaml:"burst"`               // default: 5
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // "json" or "text"; default: "json"
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          5006,
			Mode:          "release",
			ShutdownGrace: 10 * time.Second,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Limits: LimitsConfig{
			MaxWait:            5000,
			DefaultWait:        1000,
			MaxScreenshots:     5,
			DefaultScreenshots: 1,
			MinBrowserDim:      Dim{Width: 100, Height: 100},
			MaxBrowserDim:      Dim{Width: 2400, Height: 4000},
			DefaultBrowserDim:  Dim{Width: 1280, Height: 2000},
		},
		Executor: ExecutorConfig{
			MaxConcurrentTasks: 3,
			MaxQueue:           16,
			DispatchTimeout:    60 * time.Second,
			ScreenshotQuality:  85,
			MaxDocumentBytes:   10 << 20,
		},
		Security: SecurityConfig{
			AllowedSchemes: []string{"http", "https"},
			DNSTimeout:     5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 2,
			Burst:             5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// SCRAPESERV_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	return load(os.Environ())
}

func load(environ []string) (*Config, error) {
	cfg := Defaults()

	if path := newEnvSource(environ).str("SCRAPESERV_CONFIG", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg, environ)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, environ []string) {
	env := newEnvSource(environ)

	cfg.Server.Host = env.str("SCRAPESERV_HOST", cfg.Server.Host)
	cfg.Server.Port = env.int("SCRAPESERV_PORT", cfg.Server.Port)
	cfg.Server.Mode = env.str("SCRAPESERV_MODE", cfg.Server.Mode)
	cfg.Server.ShutdownGrace = env.duration("SCRAPESERV_SHUTDOWN_GRACE", cfg.Server.ShutdownGrace)

	cfg.Browser.Headless = env.bool("SCRAPESERV_HEADLESS", cfg.Browser.Headless)
	cfg.Browser.NoSandbox = env.bool("SCRAPESERV_NO_SANDBOX", cfg.Browser.NoSandbox)
	cfg.Browser.BrowserBin = env.str("SCRAPESERV_BROWSER_BIN", cfg.Browser.BrowserBin)
	cfg.Browser.Stealth = env.bool("SCRAPESERV_STEALTH", cfg.Browser.Stealth)
	cfg.Browser.UserAgent = env.str("SCRAPESERV_USER_AGENT", cfg.Browser.UserAgent)

	cfg.Limits.MaxWait = env.int("SCRAPESERV_MAX_WAIT", cfg.Limits.MaxWait)
	cfg.Limits.DefaultWait = env.int("SCRAPESERV_DEFAULT_WAIT", cfg.Limits.DefaultWait)
	cfg.Limits.MaxScreenshots = env.int("SCRAPESERV_MAX_SCREENSHOTS", cfg.Limits.MaxScreenshots)
	cfg.Limits.DefaultScreenshots = env.int("SCRAPESERV_DEFAULT_SCREENSHOTS", cfg.Limits.DefaultScreenshots)
	cfg.Limits.MinBrowserDim = env.dim("SCRAPESERV_MIN_BROWSER_DIM", cfg.Limits.MinBrowserDim)
	cfg.Limits.MaxBrowserDim = env.dim("SCRAPESERV_MAX_BROWSER_DIM", cfg.Limits.MaxBrowserDim)
	cfg.Limits.DefaultBrowserDim = env.dim("SCRAPESERV_DEFAULT_BROWSER_DIM", cfg.Limits.DefaultBrowserDim)

	cfg.Executor.MaxConcurrentTasks = env.int("SCRAPESERV_MAX_CONCURRENT_TASKS", cfg.Executor.MaxConcurrentTasks)
	cfg.Executor.MaxQueue = env.int("SCRAPESERV_MAX_QUEUE", cfg.Executor.MaxQueue)
	cfg.Executor.DispatchTimeout = env.duration("SCRAPESERV_DISPATCH_TIMEOUT", cfg.Executor.DispatchTimeout)
	cfg.Executor.ScreenshotQuality = env.int("SCRAPESERV_SCREENSHOT_QUALITY", cfg.Executor.ScreenshotQuality)
	cfg.Executor.MaxDocumentBytes = int64(env.int("SCRAPESERV_MAX_DOCUMENT_BYTES", int(cfg.Executor.MaxDocumentBytes)))
	cfg.Executor.TempDir = env.str("SCRAPESERV_TEMP_DIR", cfg.Executor.TempDir)

	cfg.Security.AllowedSchemes = env.slice("SCRAPESERV_ALLOWED_SCHEMES", cfg.Security.AllowedSchemes)
	cfg.Security.DNSTimeout = env.duration("SCRAPESERV_DNS_TIMEOUT", cfg.Security.DNSTimeout)

	cfg.Auth.APIKeys = append(env.slice("SCRAPESERV_API_KEYS", cfg.Auth.APIKeys), env.legacyAPIKeys()...)

	cfg.RateLimit.Enabled = env.bool("SCRAPESERV_RATE_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RequestsPerSecond = env.float("SCRAPESERV_RATE_RPS", cfg.RateLimit.RequestsPerSecond)
	cfg.RateLimit.Burst = env.int("SCRAPESERV_RATE_BURST", cfg.RateLimit.Burst)

	cfg.Log.Level = env.str("SCRAPESERV_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.str("SCRAPESERV_LOG_FORMAT", cfg.Log.Format)
}

// legacyAPIKeys collects the values of every SCRAPER_API_KEY* variable, the
// naming used by existing deployments (SCRAPER_API_KEY, SCRAPER_API_KEY_2, ...).
// Sorted by name so the key order is stable.
func (e envSource) legacyAPIKeys() []string {
	var names []string
	for name := range e {
		if strings.HasPrefix(name, "SCRAPER_API_KEY") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var keys []string
	for _, name := range names {
		if value := strings.TrimSpace(e[name]); value != "" {
			keys = append(keys, value)
		}
	}
	return keys
}

// Validate rejects limits that could never admit a request or whose defaults
// fall outside their own bounds.
func (c *Config) Validate() error {
	l := c.Limits
	switch {
	case l.MaxWait < 0 || l.DefaultWait < 0 || l.DefaultWait > l.MaxWait:
		return fmt.Errorf("config: default wait %d must be within [0, %d]", l.DefaultWait, l.MaxWait)
	case l.MaxScreenshots < 0 || l.DefaultScreenshots < 0 || l.DefaultScreenshots > l.MaxScreenshots:
		return fmt.Errorf("config: default screenshots %d must be within [0, %d]", l.DefaultScreenshots, l.MaxScreenshots)
	case l.MinBrowserDim.Width <= 0 || l.MinBrowserDim.Height <= 0:
		return fmt.Errorf("config: min browser dim %s must be positive", l.MinBrowserDim)
	case l.MinBrowserDim.Width > l.MaxBrowserDim.Width || l.MinBrowserDim.Height > l.MaxBrowserDim.Height:
		return fmt.Errorf("config: min browser dim %s exceeds max %s", l.MinBrowserDim, l.MaxBrowserDim)
	case !dimWithin(l.DefaultBrowserDim, l.MinBrowserDim, l.MaxBrowserDim):
		return fmt.Errorf("config: default browser dim %s outside [%s, %s]", l.DefaultBrowserDim, l.MinBrowserDim, l.MaxBrowserDim)
	case c.Executor.MaxConcurrentTasks < 1:
		return fmt.Errorf("config: max concurrent tasks must be at least 1")
	case c.Executor.MaxQueue < 0:
		return fmt.Errorf("config: max queue must not be negative")
	case c.Executor.DispatchTimeout <= 0:
		return fmt.Errorf("config: dispatch timeout must be positive")
	case c.Security.DNSTimeout <= 0:
		return fmt.Errorf("config: dns timeout must be positive")
	case len(c.Security.AllowedSchemes) == 0:
		return fmt.Errorf("config: at least one allowed scheme is required")
	}
	return nil
}

func dimWithin(d, lo, hi Dim) bool {
	return d.Width >= lo.Width && d.Width <= hi.Width &&
		d.Height >= lo.Height && d.Height <= hi.Height
}

// ParseDim parses "WIDTHxHEIGHT" (also accepts "WIDTH,HEIGHT").
func ParseDim(s string) (Dim, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		w, h, ok = strings.Cut(s, ",")
	}
	if !ok {
		return Dim{}, fmt.Errorf("config: dimension %q is not WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return Dim{}, fmt.Errorf("config: dimension %q: bad width: %w", s, err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return Dim{}, fmt.Errorf("config: dimension %q: bad height: %w", s, err)
	}
	return Dim{Width: width, Height: height}, nil
}

// --- helper functions ---

// envSource is a snapshot of KEY=VALUE pairs. Overrides read only from it so
// applyEnv can be driven from a test without touching the process env.
type envSource map[string]string

func newEnvSource(environ []string) envSource {
	e := make(envSource, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok {
			e[name] = value
		}
	}
	return e
}

func (e envSource) str(key, fallback string) string {
	if v := e[key]; v != "" {
		return v
	}
	return fallback
}

func (e envSource) int(key string, fallback int) int {
	if v := e[key]; v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func (e envSource) bool(key string, fallback bool) bool {
	if v := e[key]; v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func (e envSource) float(key string, fallback float64) float64 {
	if v := e[key]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func (e envSource) duration(key string, fallback time.Duration) time.Duration {
	if v := e[key]; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func (e envSource) dim(key string, fallback Dim) Dim {
	if v := e[key]; v != "" {
		if d, err := ParseDim(v); err == nil {
			return d
		}
	}
	return fallback
}

func (e envSource) slice(key string, fallback []string) []string {
	if v := e[key]; v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
