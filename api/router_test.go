package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/scrapeserv/config"
	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/guard"
	"github.com/use-agent/scrapeserv/metrics"
	"github.com/use-agent/scrapeserv/models"
)

type fixedStats models.ExecutorStats

func (s fixedStats) Stats() models.ExecutorStats { return models.ExecutorStats(s) }

type deniedAdmitter struct{}

func (deniedAdmitter) Admit(context.Context, string) guard.Decision {
	return guard.Decision{Reason: guard.ReasonUnsafeAddress}
}

type unusedDispatcher struct{ t *testing.T }

func (d unusedDispatcher) Dispatch(context.Context, models.ScrapeParams) engine.Outcome {
	d.t.Fatal("dispatch must not run")
	return engine.Outcome{}
}

func newTestRouter(t *testing.T, keys []string, stats fixedStats) *gin.Engine {
	cfg := config.Defaults()
	cfg.Server.Mode = gin.TestMode
	cfg.Auth.APIKeys = keys
	cfg.RateLimit.Enabled = false
	m := metrics.New(prometheus.NewRegistry())
	return NewRouter(cfg, deniedAdmitter{}, unusedDispatcher{t}, stats, m, time.Now())
}

func TestRouter_Home(t *testing.T) {
	r := newTestRouter(t, nil, fixedStats{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "A rollicking band of pirates"))
}

func TestRouter_Health(t *testing.T) {
	r := newTestRouter(t, []string{"secret"}, fixedStats{MaxConcurrent: 3, Active: 3, Waiting: 2, MaxQueue: 16})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code, "health is outside auth")
	var body models.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, 3, body.ExecutorStats.Active)
	assert.Equal(t, 2, body.ExecutorStats.Waiting)
}

func TestRouter_Metrics(t *testing.T) {
	r := newTestRouter(t, nil, fixedStats{})

	req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(`{"url":"http://10.0.0.1/"}`))
	r.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scrapeserv_admission_denied_total{reason="unsafe_address"} 1`)
	assert.Contains(t, rec.Body.String(), `scrapeserv_requests_total{outcome="denied"} 1`)
}

func TestRouter_ScrapeRequiresAuth(t *testing.T) {
	r := newTestRouter(t, []string{"secret"}, fixedStats{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(`{"url":"http://example.com"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authorization header is missing"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(`{"url":"http://example.com"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "authenticated request proceeds to admission")
	assert.JSONEq(t, `{"error":"URL was judged to be unsafe"}`, rec.Body.String())
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.Defaults().Limits)
	assert.Equal(t, 5000, l.MaxWait)
	assert.Equal(t, models.Dim{Width: 1280, Height: 2000}, l.DefaultDim)
	assert.Equal(t, models.Dim{Width: 2400, Height: 4000}, l.MaxDim)
}
