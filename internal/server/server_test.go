package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promotion-shop/internal/config"
	"promotion-shop/internal/handler"
	"promotion-shop/internal/middleware"
	"promotion-shop/internal/monitor"
	"promotion-shop/pkg/breaker"
	"promotion-shop/pkg/degrade"
	"promotion-shop/pkg/queue"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Server.RequestTimeout = time.Second
	cfg.Metrics.Enabled = true
	cfg.CORS.Enabled = true
	return cfg
}

func TestNewRouter(t *testing.T) {
	metrics := monitor.NewMetricsCollector("servertest")
	health := handler.NewHealthHandler(Version, nil, nil, nil)
	router, api := NewRouter(testConfig(), metrics, health)
	api.GET("/whoami", func(c *gin.Context) {
		id, _ := middleware.GetUserID(c)
		_, hasDeadline := c.Request.Context().Deadline()
		c.JSON(http.StatusOK, gin.H{"id": id, "deadline": hasDeadline})
	})

	tests := []struct {
		name       string
		path       string
		userID     string
		wantStatus int
		wantBody   string
	}{
		{name: "health", path: "/health", wantStatus: http.StatusOK, wantBody: `"status":"ok"`},
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK, wantBody: "servertest_"},
		{name: "api without identity", path: "/api/v1/whoami", wantStatus: http.StatusUnauthorized},
		{name: "api with identity", path: "/api/v1/whoami", userID: "42", wantStatus: http.StatusOK, wantBody: `{"deadline":true,"id":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.userID != "" {
				req.Header.Set(middleware.UserIDHeader, tt.userID)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestNewBreakers_MarksDegraded(t *testing.T) {
	degraded := degrade.NewRegistry(nil, 0)
	breakers := NewBreakers(config.CircuitBreakConfig{
		MaxRequests:     1,
		Interval:        time.Minute,
		Timeout:         time.Minute,
		FailureRatio:    0.5,
		MinRequestCount: 1,
	}, degraded, nil)

	err := breakers.Execute(context.Background(), "coupon", func(context.Context) error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, breakers.State("coupon"))

	assert.Eventually(t, func() bool {
		return degraded.IsDegraded(context.Background(), "coupon")
	}, time.Second, 5*time.Millisecond)
}

func TestOpenBus_Memory(t *testing.T) {
	cfg := testConfig()
	cfg.Kafka.Driver = "memory"

	bus, err := OpenBus(context.Background(), cfg)
	require.NoError(t, err)
	defer bus.Close()
	assert.IsType(t, &queue.MemoryQueue{}, bus)
}

func TestServe_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second}, http.NotFoundHandler())
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
