package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aq2208/zalo-notifier/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Logging returns a Gin middleware that logs each request and injects a
// request-scoped slog.Logger. Probe and scrape paths log at debug.
func Logging(base *slog.Logger, quiet ...string) gin.HandlerFunc {
	quietPaths := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
			c.Request.Header.Set("X-Request-Id", reqID)
		}
		c.Header("X-Request-Id", reqID)

		l := base.With(
			"req_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"remote", c.ClientIP(),
		)
		logging.With(c, l)

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"status", status,
			"dur_ms", time.Since(start).Milliseconds(),
			"resp_bytes", c.Writer.Size(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case quietPaths[c.FullPath()]:
			l.Debug("http_request", attrs...)
		case status >= http.StatusInternalServerError:
			l.Error("http_request", attrs...)
		default:
			l.Info("http_request", attrs...)
		}
	}
}
