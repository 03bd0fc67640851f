package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velinpetkov/eventnotify/pkg/metrics"
)

// Metrics records request latency for the notification API. Health probes
// and the scrape endpoint itself are excluded so they do not skew the
// latency histogram.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if isProbePath(path) {
			return
		}

		status := strconv.Itoa(c.Writer.Status())
		metrics.APILatency.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
