package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeserv/models"
)

// Recovery turns a handler panic into a logged 500 with the generic error
// body. http.ErrAbortHandler is re-raised so net/http drops the connection
// instead of finishing a response that was cut short on purpose.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			slog.Error("panic recovered",
				"panic", rec,
				"path", c.Request.URL.Path,
				"request_id", RequestIDFrom(c),
				"stack", string(debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.MsgGenericFailed})
		}()
		c.Next()
	}
}
