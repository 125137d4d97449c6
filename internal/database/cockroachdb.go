package database

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// DB wraps the pgxpool.Pool used by the call history and membership repositories
type DB struct {
	Pool *pgxpool.Pool
}

// ConnString builds a postgres connection URL from cfg
func ConnString(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgresql",
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u.RawQuery = "sslmode=" + url.QueryEscape(sslMode)
	return u.String()
}

// NewDB creates a connection pool and waits for the database to answer a ping.
// Startup retries with a doubling backoff since the database container often
// comes up after the service.
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = constants.MaxConnLifetime
	poolConfig.MaxConnIdleTime = constants.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = constants.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	backoff := connectBackoff
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if attempt == connectAttempts {
			pool.Close()
			return nil, fmt.Errorf("unable to ping database after %d attempts: %w", attempt, err)
		}

		logger.Warn("Database not reachable, retrying",
			zap.String("host", cfg.Host),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	logger.Info("Connected to CockroachDB",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", poolConfig.MaxConns))

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
	logger.Info("Database connection pool closed")
}

// Ping reports whether the database answers within ctx
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats returns connection pool statistics
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
