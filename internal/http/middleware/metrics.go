package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"agentforge.dev/executor/internal/metrics"
)

// Metrics records request counts and latencies per route template, so
// /agent-runtime/state/abc and /agent-runtime/state/def share a series.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method

		metrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
