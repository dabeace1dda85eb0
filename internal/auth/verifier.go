// Package auth verifies bearer tokens presented during the WebSocket
// handshake. The canonical backend resolves tokens through Redis; a static
// in-memory verifier serves tests and single-node deployments.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken is returned when a token is unknown or expired.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenPrefix is the Redis key prefix for token lookups.
const TokenPrefix = "token:"

// Verifier resolves a bearer token to a user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// RedisVerifier resolves tokens against Redis. Each token is stored as a
// plain string key "token:<bearer>" whose value is the user ID; expiry is
// handled by the key's TTL.
type RedisVerifier struct {
	client *redis.Client
}

// NewRedisVerifier connects to Redis and verifies the connection.
func NewRedisVerifier(redisAddr string) (*RedisVerifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("auth: redis connection failed: %w", err)
	}

	return &RedisVerifier{client: client}, nil
}

// Verify looks up the token and returns the associated user ID.
func (v *RedisVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := v.client.Get(ctx, TokenPrefix+token).Result()
	if err == redis.Nil {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: token lookup failed: %w", err)
	}
	return userID, nil
}

// Register stores a token with the given TTL. A zero TTL means no expiry.
func (v *RedisVerifier) Register(ctx context.Context, token, userID string, ttl time.Duration) error {
	return v.client.Set(ctx, TokenPrefix+token, userID, ttl).Err()
}

// Close releases the Redis client.
func (v *RedisVerifier) Close() error {
	return v.client.Close()
}

// StaticVerifier holds a fixed token-to-user mapping. It is safe for
// concurrent reads; the map must not be mutated after construction.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier builds a verifier over the given token => userID map.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

// Verify resolves the token from the static map.
func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := v.tokens[token]
	if !ok || userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
