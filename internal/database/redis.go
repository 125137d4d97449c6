package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps Redis client with degraded mode support
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	metrics        *redisMetrics
	onRecover      []func()
}

// redisMetrics tracks Redis-related metrics
type redisMetrics struct {
	degradedMode prometheus.Gauge
	healthCheck  prometheus.Counter
}

// NewRedisDB creates a new Redis client from config with degraded mode support.
// Metrics are registered on reg when it is non-nil.
func NewRedisDB(cfg *RedisConfig, reg prometheus.Registerer) *RedisClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	r := &RedisClient{Client: client}
	if reg != nil {
		r.metrics = &redisMetrics{
			degradedMode: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "redis_degraded_mode",
				Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
			}),
			healthCheck: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "redis_health_check_total",
				Help: "Total number of successful Redis health checks",
			}),
		}
		reg.MustRegister(r.metrics.degradedMode, r.metrics.healthCheck)
	}
	return r
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// OnRecover registers fn to run each time Redis leaves degraded mode
func (r *RedisClient) OnRecover(fn func()) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()
	r.onRecover = append(r.onRecover, fn)
}

// StartHealthCheck starts a background goroutine that periodically checks Redis health
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

// MarkDegraded puts the client in degraded mode after a failed command
func (r *RedisClient) MarkDegraded() {
	r.setDegradedState(true)
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	changed := r.degradedMode != degraded
	r.degradedMode = degraded
	var hooks []func()
	if changed && !degraded {
		hooks = append(hooks, r.onRecover...)
	}
	r.degradedModeMu.Unlock()

	if !changed {
		return
	}
	if degraded {
		logger.Warn("Redis entered degraded mode")
	} else {
		logger.Info("Redis recovered from degraded mode")
	}
	if r.metrics != nil {
		if degraded {
			r.metrics.degradedMode.Set(1)
		} else {
			r.metrics.degradedMode.Set(0)
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

// HealthCheck performs a health check on Redis and updates degraded mode
// It uses a mutex to prevent concurrent health checks from overwhelming Redis
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		logger.Debug("Redis health check failed", zap.Error(err))
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	if r.metrics != nil {
		r.metrics.healthCheck.Inc()
	}
	return nil
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("redis is in degraded mode, publish skipped"))
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe performs a SUBSCRIBE operation with degraded mode handling.
// It returns nil in degraded mode.
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}

// SafeExists performs an EXISTS operation with degraded mode handling
func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("redis is in degraded mode, exists skipped"))
	}
	return r.Client.Exists(ctx, keys...)
}

// SafeIncrWindow increments a fixed-window counter and returns its new value.
// The key expires with the window that created it.
func (r *RedisClient) SafeIncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if r.IsDegraded() {
		return 0, fmt.Errorf("redis is in degraded mode, incr skipped")
	}

	var incr *redis.IntCmd
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return incr.Val(), nil
}
