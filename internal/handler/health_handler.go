package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"promotion-shop/pkg/breaker"
	"promotion-shop/pkg/degrade"
	"promotion-shop/pkg/log"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthHandler reports dependency health, breaker states and degraded
// participants.
type HealthHandler struct {
	version  string
	checks   map[string]Check
	breakers *breaker.Manager
	degraded *degrade.Registry
	timeout  time.Duration
}

// NewHealthHandler creates a health handler. breakers and degraded may be nil.
func NewHealthHandler(version string, checks map[string]Check, breakers *breaker.Manager, degraded *degrade.Registry) *HealthHandler {
	return &HealthHandler{
		version:  version,
		checks:   checks,
		breakers: breakers,
		degraded: degraded,
		timeout:  3 * time.Second,
	}
}

// Health answers 503 when any dependency check fails. Open breakers and
// degraded participants are reported but keep the service healthy.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	services := make(map[string]interface{}, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			services[name] = map[string]interface{}{"healthy": false, "error": err.Error()}
			continue
		}
		services[name] = map[string]interface{}{"healthy": true}
	}

	body := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   h.version,
		"services":  services,
	}
	if status != http.StatusOK {
		body["status"] = "error"
	}

	if h.breakers != nil {
		states := make(map[string]string)
		for name, st := range h.breakers.States() {
			states[name] = st.String()
		}
		body["breakers"] = states
	}
	if h.degraded != nil {
		degraded, err := h.degraded.List(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list degraded participants")
		} else {
			body["degraded"] = degraded
		}
	}

	c.JSON(status, body)
}

// Ping liveness probe
func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "pong",
		"timestamp": time.Now().Unix(),
	})
}
