package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
)

// Timeout bounds the request context of REST handlers. It must not wrap the
// WebSocket route, whose request lives as long as the connection.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = constants.DefaultTimeout
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if ctx.Err() == context.DeadlineExceeded {
			logger.Warn("Request exceeded timeout",
				zap.Duration("timeout", timeout),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path))
		}
	}
}
