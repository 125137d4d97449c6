package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthCheck answers /health before any other middleware runs. ready reports
// degraded dependencies; a nil ready means always healthy.
func HealthCheck(serviceName string, ready func() map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/health" {
			c.Next()
			return
		}

		body := gin.H{
			"status":  "healthy",
			"service": serviceName,
		}
		if ready != nil {
			if deps := ready(); len(deps) > 0 {
				body["status"] = "degraded"
				body["dependencies"] = deps
			}
		}
		c.JSON(http.StatusOK, body)
		c.Abort()
	}
}
