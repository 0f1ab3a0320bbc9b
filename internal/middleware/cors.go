package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"promotion-shop/internal/config"
)

var defaultAllowHeaders = []string{
	"Origin",
	"Content-Length",
	"Content-Type",
	"Accept",
	UserIDHeader,
	SagaIDHeader,
	"traceparent",
	"tracestate",
}

// CORS Cross-Origin Resource Sharing middleware. An empty origin list allows
// every origin.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	c := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.AllowOrigins
	}
	c.AllowHeaders = defaultAllowHeaders
	if len(cfg.AllowHeaders) > 0 {
		c.AllowHeaders = cfg.AllowHeaders
	}
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	if cfg.MaxAge > 0 {
		c.MaxAge = cfg.MaxAge
	}
	return cors.New(c)
}
