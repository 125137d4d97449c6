package middleware

import (
	"context"
	"fmt"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/jwt"
)

// RedisRevocationChecker implements RevocationChecker against the blacklist
// the auth service keeps in Redis
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a token is in the Redis blacklist. It returns an
// error while Redis is degraded.
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	id, err := jwt.TokenID(tokenString)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, "blacklist:"+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
