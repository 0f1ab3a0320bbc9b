// Package server holds the process wiring shared by the service binaries.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"promotion-shop/internal/client"
	"promotion-shop/internal/config"
	"promotion-shop/internal/handler"
	"promotion-shop/internal/middleware"
	"promotion-shop/internal/monitor"
	"promotion-shop/pkg/breaker"
	"promotion-shop/pkg/degrade"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/queue"
)

// Version reported by /health and the tracer resource
const Version = "1.0.0"

// Setup loads the configuration and initializes the logger for service.
func Setup(configPath, service string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
		Service:    service,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	config.WatchConfig(func(c *config.Config) {
		log.SetLevel(c.Log.Level)
		log.WithField("level", c.Log.Level).Info("Log level reloaded")
	})
	return cfg, nil
}

// OpenBus connects the configured message bus
func OpenBus(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.Kafka.Driver == "memory" {
		log.Warn("Using in-memory bus, services must share this process")
		return queue.NewMemoryQueue(nil), nil
	}
	bus, err := queue.NewKafkaQueue(ctx, queue.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		ClientID:       cfg.Kafka.ClientID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		WriteTimeout:   cfg.Kafka.WriteTimeout,
		BatchTimeout:   cfg.Kafka.BatchTimeout,
		DialTimeout:    cfg.Kafka.DialTimeout,
		ConnectRetries: cfg.Kafka.ConnectRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
		MaxBackoff:     cfg.Kafka.MaxBackoff,
	})
	if err != nil {
		return nil, err
	}
	return bus, nil
}

// NewBreakers creates the breaker manager of the participant clients. Open
// breakers mark their participant degraded and every transition is exported.
func NewBreakers(cfg config.CircuitBreakConfig, degraded *degrade.Registry, metrics *monitor.MetricsCollector) *breaker.Manager {
	m := breaker.NewManager(client.BreakerConfig(cfg))
	if degraded != nil {
		m.OnStateChange(degraded.BreakerListener(3 * time.Second))
	}
	m.OnStateChange(func(name string, _, to breaker.State) {
		metrics.UpdateBreakerState(name, int(to))
		log.WithFields(map[string]interface{}{
			"participant": name,
			"state":       to.String(),
		}).Warn("Participant circuit breaker changed state")
	})
	return m
}

// NewRouter builds the engine with the shared middleware, /health and
// /metrics. The returned group is /api/v1 behind caller identity.
func NewRouter(cfg *config.Config, metrics *monitor.MetricsCollector, health *handler.HealthHandler) (*gin.Engine, *gin.RouterGroup) {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Tracing())
	router.Use(middleware.Logger())
	if cfg.Metrics.Enabled {
		router.Use(middleware.Metrics(metrics))
	}
	if cfg.CORS.Enabled {
		router.Use(middleware.CORS(cfg.CORS))
	}

	router.GET("/health", health.Health)
	router.GET("/ping", health.Ping)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(metrics.Handler()))
	}

	api := router.Group("/api/v1", middleware.Timeout(cfg.Server.RequestTimeout), middleware.Identity())
	return router, api
}

// Serve runs the HTTP server until ctx is done, then shuts it down within
// the configured timeout.
func Serve(ctx context.Context, cfg config.ServerConfig, h http.Handler) error {
	srv := &http.Server{
		Addr:           cfg.GetAddr(),
		Handler:        h,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"addr": srv.Addr,
			"mode": cfg.Mode,
		}).Info("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
