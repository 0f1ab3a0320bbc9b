package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promotion-shop/internal/config"
	"promotion-shop/internal/monitor"
	"promotion-shop/pkg/requestctx"
	"promotion-shop/pkg/utils"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) utils.Response {
	t.Helper()
	var resp utils.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		method string
		status int
	}{
		{name: "GET request", path: "/test", method: http.MethodGet, status: http.StatusOK},
		{name: "POST request", path: "/test", method: http.MethodPost, status: http.StatusCreated},
		{name: "client error", path: "/missing", method: http.MethodGet, status: http.StatusNotFound},
		{name: "server error", path: "/error", method: http.MethodGet, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(Logger())
			r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
			r.POST("/test", func(c *gin.Context) { c.Status(http.StatusCreated) })
			r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path+"?q=1", nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, utils.CodeInternalError, resp.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.CORSConfig
		origin     string
		wantOrigin string
	}{
		{name: "all origins", cfg: config.CORSConfig{}, origin: "http://shop.example", wantOrigin: "*"},
		{
			name:       "listed origin",
			cfg:        config.CORSConfig{AllowOrigins: []string{"http://shop.example"}},
			origin:     "http://shop.example",
			wantOrigin: "http://shop.example",
		},
		{
			name:   "unlisted origin",
			cfg:    config.CORSConfig{AllowOrigins: []string{"http://shop.example"}},
			origin: "http://evil.example",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.cfg))
			r.POST("/api/v1/orders", func(c *gin.Context) { c.Status(http.StatusAccepted) })

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", UserIDHeader)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantOrigin != "" {
				assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), strings.ToLower(UserIDHeader))
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		sagaID     string
		wantStatus int
	}{
		{name: "valid caller", userID: "42", wantStatus: http.StatusOK},
		{name: "valid caller with saga", userID: "42", sagaID: "saga-1", wantStatus: http.StatusOK},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "not a number", userID: "alice", wantStatus: http.StatusUnauthorized},
		{name: "zero", userID: "0", wantStatus: http.StatusUnauthorized},
		{name: "negative", userID: "-7", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				ctxUser int64
				ctxSaga string
				ginUser int64
			)
			r := gin.New()
			r.Use(Identity())
			r.GET("/whoami", func(c *gin.Context) {
				ctxUser, _ = requestctx.CallerID(c.Request.Context())
				ctxSaga, _ = requestctx.SagaID(c.Request.Context())
				ginUser, _ = GetUserID(c)
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.userID != "" {
				req.Header.Set(UserIDHeader, tt.userID)
			}
			if tt.sagaID != "" {
				req.Header.Set(SagaIDHeader, tt.sagaID)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, utils.CodeUnauthorized, decodeResponse(t, w).Code)
				return
			}
			assert.Equal(t, int64(42), ctxUser)
			assert.Equal(t, int64(42), ginUser)
			assert.Equal(t, tt.sagaID, ctxSaga)
		})
	}
}

func TestGetUserID_NotSet(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := GetUserID(c)
	assert.False(t, ok)

	c.Set(userIDKey, "42")
	_, ok = GetUserID(c)
	assert.False(t, ok)
}

func TestTimeout(t *testing.T) {
	t.Run("sets deadline", func(t *testing.T) {
		r := gin.New()
		r.Use(Timeout(50 * time.Millisecond))
		r.GET("/slow", func(c *gin.Context) {
			select {
			case <-c.Request.Context().Done():
				c.Status(http.StatusGatewayTimeout)
			case <-time.After(time.Second):
				c.Status(http.StatusOK)
			}
		})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	})

	t.Run("zero disables", func(t *testing.T) {
		r := gin.New()
		r.Use(Timeout(0))
		r.GET("/fast", func(c *gin.Context) {
			_, ok := c.Request.Context().Deadline()
			assert.False(t, ok)
			c.Status(http.StatusOK)
		})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fast", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestMetrics(t *testing.T) {
	m := monitor.NewMetricsCollector("mwtest")

	r := gin.New()
	r.Use(Metrics(m), Tracing())
	r.GET("/api/v1/orders/:orderId/saga", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders/7/saga", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()

	assert.Contains(t, body, `mwtest_http_request_total{method="GET",path="/api/v1/orders/:orderId/saga",status="200"} 2`)
	assert.Contains(t, body, `mwtest_http_request_total{method="GET",path="unmatched",status="404"} 1`)
}
