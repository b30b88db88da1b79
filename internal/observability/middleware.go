package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func routePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// RequestLogger logs each admin request once it completes. Websocket taps
// complete when the subscriber leaves.
func RequestLogger(logger zerolog.Logger, link string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case isUpgrade(c):
			event = logger.Debug()
		}

		event.
			Str("link", link).
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Bool("upgrade", isUpgrade(c)).
			Msg("admin.http_request")
	}
}

func RequestMetricsMiddleware(link string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		if isUpgrade(c) {
			elapsed = -1
		}
		RecordHTTPRequest(link, c.Request.Method, routePath(c), c.Writer.Status(), elapsed)
	}
}
