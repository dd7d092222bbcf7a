package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// releaseScript deletes KEYS[1] only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	Namespace string
}

// RedisLocker is a Locker shared between processes through Redis. A lock is
// only released by the locker that took it.
type RedisLocker struct {
	client    redisCommander
	closeFn   func() error
	namespace string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisLockerFromCommander(client, closeFn, cfg)
}

func newRedisLockerFromCommander(client redisCommander, closeFn func() error, cfg RedisLockerConfig) *RedisLocker {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "github-quest"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisLocker{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		tokens:    make(map[string]string),
	}
}

// Close closes the underlying Redis client.
func (l *RedisLocker) Close() error {
	if l == nil || l.closeFn == nil {
		return nil
	}
	return l.closeFn()
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, err := newLockToken()
	if err != nil {
		return false, err
	}
	acquired, err := l.client.SetNX(ctx, l.prefixed(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if acquired {
		l.mu.Lock()
		l.tokens[key] = token
		l.mu.Unlock()
	}
	return acquired, nil
}

// Release implements Locker. Releasing a lock that expired and was taken by
// someone else is a no-op.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{l.prefixed(key)}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (l *RedisLocker) prefixed(key string) string {
	return l.namespace + ":lock:" + key
}

func newLockToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
