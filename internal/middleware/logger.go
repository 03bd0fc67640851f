package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/velinpetkov/eventnotify/pkg/logger"
)

// Logger writes a concise structured access log for each request. Health
// probes and metric scrapes are not logged; the userId query parameter, which
// keys most of the notification API, is included when present so requests can
// be correlated with delivery records.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if isProbePath(path) {
			return
		}

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if userID := c.Query("userId"); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}

		logger.WithModule("http").Info("request", fields...)
	}
}

func isProbePath(path string) bool {
	return path == "/health" || path == "/metrics"
}
