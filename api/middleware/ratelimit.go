package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/use-agent/scrapeserv/config"
	"github.com/use-agent/scrapeserv/models"
)

const (
	limiterIdleTTL   = time.Hour
	limiterSweepTick = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiters holds one token bucket per caller identity.
type keyedLimiters struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

func newKeyedLimiters(rps float64, burst int) *keyedLimiters {
	return &keyedLimiters{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (k *keyedLimiters) get(identity string, now time.Time) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[identity]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[identity] = e
	}
	e.lastSeen = now
	return e.limiter
}

// sweep drops identities idle since before cutoff and returns how many remain.
func (k *keyedLimiters) sweep(cutoff time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, id)
		}
	}
	return len(k.entries)
}

// RateLimit limits each identity (API key when authenticated, else client
// IP) to a token bucket from golang.org/x/time/rate. Rejected requests get
// 429 with a Retry-After hint. Disabled config yields a pass-through.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	buckets := newKeyedLimiters(cfg.RequestsPerSecond, cfg.Burst)
	go func() {
		ticker := time.NewTicker(limiterSweepTick)
		defer ticker.Stop()
		for now := range ticker.C {
			buckets.sweep(now.Add(-limiterIdleTTL))
		}
	}()

	return func(c *gin.Context) {
		identity := c.GetString(APIKeyContextKey)
		if identity == "" {
			identity = c.ClientIP()
		}

		now := time.Now()
		r := buckets.get(identity, now).ReserveN(now, 1)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			if r.OK() {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{Error: models.MsgRateLimited})
			return
		}

		c.Next()
	}
}
