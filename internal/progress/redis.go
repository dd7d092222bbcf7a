package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisNamespace = "github-quest"
	defaultEventTTL       = time.Hour
	defaultListenerTTL    = 10 * time.Minute
)

type redisCommander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBoardConfig configures a RedisBoard.
type RedisBoardConfig struct {
	Namespace string
	// EventTTL bounds how long a finished run's last event stays readable.
	EventTTL time.Duration
	// ListenerTTL expires listener counts leaked by crashed processes.
	ListenerTTL time.Duration
}

// RedisBoard is a Board shared between processes through Redis.
type RedisBoard struct {
	client      redisCommander
	namespace   string
	eventTTL    time.Duration
	listenerTTL time.Duration
}

// NewRedisBoard creates a Redis-backed board.
func NewRedisBoard(client redis.UniversalClient, cfg RedisBoardConfig) *RedisBoard {
	return newRedisBoardFromCommander(client, cfg)
}

func newRedisBoardFromCommander(client redisCommander, cfg RedisBoardConfig) *RedisBoard {
	board := &RedisBoard{
		client:      client,
		namespace:   cfg.Namespace,
		eventTTL:    cfg.EventTTL,
		listenerTTL: cfg.ListenerTTL,
	}
	if board.namespace == "" {
		board.namespace = defaultRedisNamespace
	}
	if board.eventTTL <= 0 {
		board.eventTTL = defaultEventTTL
	}
	if board.listenerTTL <= 0 {
		board.listenerTTL = defaultListenerTTL
	}
	return board
}

// Publish implements Board.
func (b *RedisBoard) Publish(ctx context.Context, username string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode progress event: %w", err)
	}
	if err := b.client.Set(ctx, b.eventKey(username), payload, b.eventTTL).Err(); err != nil {
		return fmt.Errorf("store progress event: %w", err)
	}
	return nil
}

// Latest implements Board.
func (b *RedisBoard) Latest(ctx context.Context, username string) (Event, bool, error) {
	raw, err := b.client.Get(ctx, b.eventKey(username)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("load progress event: %w", err)
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, false, fmt.Errorf("decode progress event: %w", err)
	}
	return event, true, nil
}

// Attach implements Board.
func (b *RedisBoard) Attach(ctx context.Context, username string) (func(), error) {
	key := b.listenerKey(username)
	if err := b.client.Incr(ctx, key).Err(); err != nil {
		return func() {}, fmt.Errorf("attach progress listener: %w", err)
	}
	// A counter without a TTL would outlive a crashed listener.
	if err := b.client.Expire(ctx, key, b.listenerTTL).Err(); err != nil {
		_ = b.client.Decr(context.WithoutCancel(ctx), key).Err()
		return func() {}, fmt.Errorf("expire progress listener: %w", err)
	}

	detached := false
	return func() {
		if detached {
			return
		}
		detached = true
		// The request context is usually gone by now.
		ctx := context.Background()
		remaining, err := b.client.Decr(ctx, key).Result()
		if err == nil && remaining <= 0 {
			_ = b.client.Del(ctx, key).Err()
		}
	}, nil
}

// IsActive implements Board.
func (b *RedisBoard) IsActive(ctx context.Context, username string) (bool, error) {
	count, err := b.client.Get(ctx, b.listenerKey(username)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load progress listeners: %w", err)
	}
	return count > 0, nil
}

func (b *RedisBoard) eventKey(username string) string {
	return b.namespace + ":progress:" + username
}

func (b *RedisBoard) listenerKey(username string) string {
	return b.namespace + ":progress:listeners:" + username
}
