package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(context.Context, string) (bool, error) {
	return s.revoked, s.err
}

func newJWT() *jwt.JWTManager {
	return jwt.NewJWTManager("test-secret-key-for-testing-purposes", "chatcall-auth", "chatcall-api", time.Minute)
}

func authRouter(m *jwt.JWTManager, checker RevocationChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(m, checker))
	handler := func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.String(http.StatusOK, userID.(uuid.UUID).String())
	}
	r.GET("/me", handler)
	r.POST("/me", handler)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := newJWT()
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "alice")
	require.NoError(t, err)

	tests := []struct {
		name    string
		method  string
		target  string
		header  string
		checker RevocationChecker
		status  int
	}{
		{name: "bearer header", method: http.MethodGet, target: "/me", header: "Bearer " + token, status: http.StatusOK},
		{name: "query token on GET", method: http.MethodGet, target: "/me?access_token=" + token, status: http.StatusOK},
		{name: "query token on POST", method: http.MethodPost, target: "/me?access_token=" + token, status: http.StatusUnauthorized},
		{name: "missing", method: http.MethodGet, target: "/me", status: http.StatusUnauthorized},
		{name: "malformed header", method: http.MethodGet, target: "/me", header: "Token " + token, status: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, target: "/me", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "revoked", method: http.MethodGet, target: "/me", header: "Bearer " + token, checker: stubRevocation{revoked: true}, status: http.StatusUnauthorized},
		{name: "revocation store down", method: http.MethodGet, target: "/me", header: "Bearer " + token, checker: stubRevocation{err: errors.New("redis down")}, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authRouter(manager, tt.checker).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, userID.String(), w.Body.String())
			}
		})
	}
}

func TestRateLimiter_InMemory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(nil, metrics.NewMetrics("test"), 2, time.Minute)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// another client has its own budget
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	degraded := false
	r := gin.New()
	r.Use(HealthCheck("call-service", func() map[string]string {
		if degraded {
			return map[string]string{"redis": "degraded"}
		}
		return nil
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	degraded = true
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), `"redis":"degraded"`)
}

func TestRequestLogger_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/ok", func(c *gin.Context) {
		id, _ := c.Get("request_id")
		c.String(http.StatusOK, id.(string))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Request-ID", "client-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "client-id", w.Body.String())
}

func TestRequestLogger_CarriesContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	previous := logger.Log
	logger.Replace(zap.New(core))
	t.Cleanup(func() { logger.Replace(previous) })

	manager := newJWT()
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "alice")
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(), AuthMiddleware(manager, nil))
	r.GET("/me", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "client-id")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("Request handled").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "client-id", fields["request_id"])
	assert.Equal(t, userID.String(), fields["user_id"])
	assert.Equal(t, int64(http.StatusNoContent), fields["status"])
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware([]string{"http://localhost:3000"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMetricsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.NewMetrics("test")
	r := gin.New()
	r.Use(NewPrometheusMiddleware(m).Handler())
	r.GET("/metrics", MetricsHandler(m))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "http_requests_total"))
}
