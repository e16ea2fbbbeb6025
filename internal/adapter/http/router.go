package http

import (
	"log/slog"
	"net/http"

	"github.com/aq2208/zalo-notifier/internal/adapter/http/middleware"
	"github.com/aq2208/zalo-notifier/internal/adapter/queue"
	"github.com/aq2208/zalo-notifier/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateSource reports the broker connection state.
type StateSource interface {
	State() queue.State
}

// NewRouter serves /healthz and /metrics. /healthz is 200 only while consuming.
func NewRouter(src StateSource, reg *prometheus.Registry, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Metrics(reg))
	r.Use(middleware.Logging(log.With("component", "http"), "/healthz", "/metrics"))

	r.GET("/healthz", func(c *gin.Context) {
		s := src.State()
		if s != queue.StateConsuming {
			logging.From(c).Warn("health check failed", "state", s.String())
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "state": s.String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "state": s.String()})
	})
	// Prometheus endpoint (scraped by Prometheus)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	return r
}
