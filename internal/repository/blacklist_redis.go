package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisBlacklist keeps revoked refresh token ids in Redis. Keys expire
// together with the token they revoke.
type RedisBlacklist struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBlacklist creates a new RedisBlacklist.
func NewRedisBlacklist(client *redis.Client, keyPrefix string) *RedisBlacklist {
	return &RedisBlacklist{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Revoke records jti until expiresAt. Already expired tokens are skipped.
func (b *RedisBlacklist) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	ctx, span := tracer.Start(ctx, "RedisBlacklist.Revoke",
		trace.WithAttributes(attribute.String("token.jti", jti)),
	)
	defer span.End()

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, b.keyPrefix+jti, userID, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti has been revoked.
func (b *RedisBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, b.keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return n > 0, nil
}
