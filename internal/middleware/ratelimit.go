package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/cache"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// RateLimiter implements a Redis fixed-window rate limit shared by all
// instances. While Redis is degraded it falls back to per-instance token
// buckets, so limits stay enforced but are counted per instance.
type RateLimiter struct {
	redis    *database.RedisClient
	metrics  *metrics.Metrics
	requests int
	window   time.Duration

	fallbackMu sync.Mutex
	fallback   *cache.MemoryCache
}

// NewRateLimiter creates a new rate limiter allowing requests per window.
// redis may be nil, in which case only the in-memory limiter is used.
func NewRateLimiter(redis *database.RedisClient, m *metrics.Metrics, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redis,
		metrics:  m,
		requests: requests,
		window:   window,
		fallback: cache.NewMemoryCache(10*window, 10000),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// per user when authenticated, per IP otherwise
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		allowed, remaining := rl.check(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlocked(c.FullPath())
			}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"limit": rl.requests,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int) {
	if rl.redis != nil {
		count, err := rl.redis.SafeIncrWindow(ctx, "ratelimit:"+identifier, rl.window)
		if err == nil {
			remaining := rl.requests - int(count)
			if remaining < 0 {
				remaining = 0
			}
			return int(count) <= rl.requests, remaining
		}
		logger.Debug("Rate limit falling back to memory", zap.Error(err))
	}

	limiter := rl.localLimiter(identifier)
	allowed := limiter.Allow()
	return allowed, int(limiter.Tokens())
}

func (rl *RateLimiter) localLimiter(identifier string) *rate.Limiter {
	rl.fallbackMu.Lock()
	defer rl.fallbackMu.Unlock()

	if v, ok := rl.fallback.Get(identifier); ok {
		return v.(*rate.Limiter)
	}
	every := rate.Every(rl.window / time.Duration(max(rl.requests, 1)))
	limiter := rate.NewLimiter(every, rl.requests)
	rl.fallback.Set(identifier, limiter, 0)
	return limiter
}
