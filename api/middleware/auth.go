package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeserv/models"
)

// APIKeyContextKey is where Auth stores the accepted key for later
// middleware (rate limiting uses it as the caller identity).
const APIKeyContextKey = "api_key"

// Auth returns bearer-token authentication middleware:
//
//	Authorization: Bearer <key>
//
// If apiKeys is empty, the middleware is a no-op (public mode).
func Auth(apiKeys []string) gin.HandlerFunc {
	keys := make([][]byte, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}
	if len(keys) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		header, present := c.Request.Header["Authorization"]
		if !present || len(header) == 0 {
			reject(c, models.MsgAuthMissing)
			return
		}

		token, ok := bearerToken(header[0])
		if !ok {
			reject(c, models.MsgAuthFormat)
			return
		}

		if !matchKey(keys, token) {
			reject(c, models.MsgAuthInvalid)
			return
		}

		c.Set(APIKeyContextKey, token)
		c.Next()
	}
}

// bearerToken extracts the token from "Bearer <token>". The token ends at
// the next space, if any.
func bearerToken(header string) (string, bool) {
	rest, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	token, _, _ := strings.Cut(rest, " ")
	return token, true
}

// matchKey compares against every key so timing does not reveal which one,
// or how much of it, matched.
func matchKey(keys [][]byte, token string) bool {
	t := []byte(token)
	found := 0
	for _, k := range keys {
		found |= subtle.ConstantTimeCompare(k, t)
	}
	return found == 1
}

func reject(c *gin.Context, msg string) {
	slog.Info("request rejected", "phase", "auth", "reason", msg, "request_id", RequestIDFrom(c))
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: msg})
}
