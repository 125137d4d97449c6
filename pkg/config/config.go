package config

import (
	"fmt"
	"time"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	Call     CallConfig
	Gateway  GatewayConfig
	SFU      SFUConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds call registry and sweep configuration
type CallConfig struct {
	RingTimeout        time.Duration
	SweepInterval      time.Duration
	LockShards         int
	MembershipCacheTTL time.Duration
}

// GatewayConfig holds signaling WebSocket limits
type GatewayConfig struct {
	MaxConnections int
	EventRate      float64 // inbound events per second per connection
	EventBurst     int
}

// SFUConfig holds media relay (LiveKit) configuration
type SFUConfig struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "chatcall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Issuer:   env.GetString("JWT_ISSUER", "chatcall-auth"),
			Audience: env.GetString("JWT_AUDIENCE", "chatcall-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: CallConfig{
			RingTimeout:        env.GetDuration("CALL_RING_TIMEOUT", constants.RingTimeout),
			SweepInterval:      env.GetDuration("CALL_SWEEP_INTERVAL", constants.SweepInterval),
			LockShards:         env.GetInt("CALL_LOCK_SHARDS", constants.RegistryShards),
			MembershipCacheTTL: env.GetDuration("MEMBERSHIP_CACHE_TTL", 30*time.Second),
		},
		Gateway: GatewayConfig{
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			EventRate:      env.GetFloat("WS_EVENT_RATE", 20),
			EventBurst:     env.GetInt("WS_EVENT_BURST", 40),
		},
		SFU: SFUConfig{
			URL:       env.GetString("LIVEKIT_URL", "ws://localhost:7880"),
			APIKey:    env.GetStringFromFile("LIVEKIT_API_KEY", ""),
			APISecret: env.GetStringFromFile("LIVEKIT_API_SECRET", ""),
			TokenTTL:  env.GetDuration("LIVEKIT_TOKEN_TTL", constants.SFUTokenTTL),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.SFU.APIKey == "" || c.SFU.APISecret == "" {
			return fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set in production")
		}
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.SweepInterval <= 0 {
		return fmt.Errorf("CALL_SWEEP_INTERVAL must be positive")
	}
	if c.Call.LockShards <= 0 {
		return fmt.Errorf("CALL_LOCK_SHARDS must be positive")
	}
	if c.Gateway.EventRate <= 0 || c.Gateway.EventBurst <= 0 {
		return fmt.Errorf("WS_EVENT_RATE and WS_EVENT_BURST must be positive")
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
