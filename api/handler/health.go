package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeserv/models"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "0.1.0"

// homeText is the body of GET /, kept from the original deployment.
const homeText = "A rollicking band of pirates we, who tired of tossing on the sea, are trying our hands at burglary, with weapons grim and gory."

// StatsProvider reports executor load.
type StatsProvider interface {
	Stats() models.ExecutorStats
}

// Home returns a handler for GET /.
func Home() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, homeText)
	}
}

// Health returns a handler for GET /health.
//
// Reports render slot utilisation and degrades status once callers are
// queueing for a slot.
func Health(sp StatsProvider, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := sp.Stats()

		status := "healthy"
		if stats.Waiting > 0 {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:        status,
			Uptime:        time.Since(startTime).Round(time.Second).String(),
			ExecutorStats: stats,
			Version:       Version,
		})
	}
}
