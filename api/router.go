package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeserv/api/handler"
	"github.com/use-agent/scrapeserv/api/middleware"
	"github.com/use-agent/scrapeserv/config"
	"github.com/use-agent/scrapeserv/metrics"
	"github.com/use-agent/scrapeserv/models"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → RequestID → Logger
//	Scrape:  Auth (if keys configured) → RateLimit (if enabled)
//
// /, /health and /metrics are outside auth so health checks and metric scrapers always work.
func NewRouter(cfg *config.Config, g handler.Admitter, d handler.Dispatcher, sp handler.StatsProvider, m *metrics.Metrics, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(gin.Logger())

	r.GET("/", handler.Home())
	r.GET("/health", handler.Health(sp, startTime))
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.POST("/scrape",
		middleware.Auth(cfg.Auth.APIKeys),
		middleware.RateLimit(cfg.RateLimit),
		handler.Scrape(g, d, LimitsFromConfig(cfg.Limits), m),
	)

	return r
}

// LimitsFromConfig converts configured bounds into validator limits.
func LimitsFromConfig(l config.LimitsConfig) models.Limits {
	return models.Limits{
		MaxWait:            l.MaxWait,
		DefaultWait:        l.DefaultWait,
		MaxScreenshots:     l.MaxScreenshots,
		DefaultScreenshots: l.DefaultScreenshots,
		MinDim:             models.Dim{Width: l.MinBrowserDim.Width, Height: l.MinBrowserDim.Height},
		MaxDim:             models.Dim{Width: l.MaxBrowserDim.Width, Height: l.MaxBrowserDim.Height},
		DefaultDim:         models.Dim{Width: l.DefaultBrowserDim.Width, Height: l.DefaultBrowserDim.Height},
	}
}
