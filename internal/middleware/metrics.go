package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"promotion-shop/internal/monitor"
)

func route(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// Metrics records request count and latency per route
func Metrics(m *monitor.MetricsCollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, route(c), strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Tracing starts a server span per request, continuing the caller's trace
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := monitor.StartHTTPSpan(c.Request.Context(), c.Request, route(c))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		monitor.EndHTTPSpan(span, c.Writer.Status())
	}
}
