// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize bounds a single inbound signaling frame
	WebSocketMaxMessageSize = 16 * 1024

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100

	// MinPageSize is the minimum number of items per page
	MinPageSize = 1
)

// Call-related constants
const (
	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour

	// RingTimeout is how long a DIALING call may stay unanswered before it is MISSED
	RingTimeout = 60 * time.Second

	// SweepInterval is the period of the missed-call sweep
	SweepInterval = 30 * time.Second

	// RegistryShards is the default number of lock shards in the call registry
	RegistryShards = 64

	// HistoryWriteTimeout bounds a single best-effort call history append
	HistoryWriteTimeout = 10 * time.Second

	// SFUTokenTTL is the default validity of a media relay access token
	SFUTokenTTL = 2 * time.Hour
)
