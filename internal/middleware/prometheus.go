package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// PrometheusMiddleware is a Gin middleware that records HTTP metrics
type PrometheusMiddleware struct {
	metrics *metrics.Metrics
}

// NewPrometheusMiddleware creates a new Prometheus middleware
func NewPrometheusMiddleware(m *metrics.Metrics) *PrometheusMiddleware {
	return &PrometheusMiddleware{
		metrics: m,
	}
}

// Handler returns the Gin middleware handler
func (p *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p.metrics.IncrementHTTPRequestsInFlight()
		defer p.metrics.DecrementHTTPRequestsInFlight()

		start := time.Now()

		c.Next()

		// unmatched routes share one label to bound cardinality
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		p.metrics.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}

// MetricsHandler returns an HTTP handler for Prometheus metrics endpoint
// This handler always returns HTTP 200 if the process is alive, even if metrics collection fails
func MetricsHandler(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in metrics handler",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				c.JSON(http.StatusOK, gin.H{"status": "metrics_collection_error"})
				c.Abort()
			}
		}()

		if m == nil || m.GetRegistry() == nil {
			logger.Warn("Metrics requested before initialization")
			c.JSON(http.StatusOK, gin.H{"status": "metrics_not_initialized"})
			return
		}

		promhttp.HandlerFor(m.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
	}
}
