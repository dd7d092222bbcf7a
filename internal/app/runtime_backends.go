package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/github-quest/internal/config"
	"github.com/cam3ron2/github-quest/internal/progress"
	"github.com/cam3ron2/github-quest/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

type statsBackend interface {
	store.StatsStore
	Close() error
}

type memoryStatsBackend struct {
	*store.MemoryStore
}

func (memoryStatsBackend) Close() error { return nil }

// sharedBackends are the stores shared between API replicas.
type sharedBackends struct {
	stats  statsBackend
	board  progress.Board
	locker store.Locker
	redis  redis.UniversalClient
}

func (b *sharedBackends) close() error {
	var firstErr error
	if b.stats != nil {
		if err := b.stats.Close(); err != nil {
			firstErr = err
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newSharedBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sharedBackends, error) {
	backends := &sharedBackends{
		stats:  memoryStatsBackend{store.NewMemoryStore()},
		board:  progress.NewMemoryBoard(),
		locker: store.NewMemoryLocker(),
	}

	if strings.EqualFold(cfg.Store.Backend, "postgres") {
		postgresStore, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:             cfg.Store.PostgresDSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			Migrate:         cfg.Store.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		backends.stats = postgresStore
		logger.Info("using postgres stats store")
	}

	redisClient, err := newRedisClientFromConfig(ctx, cfg)
	if err != nil {
		_ = backends.close()
		return nil, err
	}
	if redisClient != nil {
		backends.redis = redisClient
		backends.board = progress.NewRedisBoard(redisClient, progress.RedisBoardConfig{
			Namespace:   cfg.Store.Namespace,
			EventTTL:    cfg.Store.ProgressTTL,
			ListenerTTL: cfg.Store.ListenerTTL,
		})
		backends.locker = store.NewRedisLocker(redisClient, store.RedisLockerConfig{
			Namespace: cfg.Store.Namespace,
		})
		logger.Info("using redis for progress and refresh locks", zap.String("mode", cfg.Store.RedisMode))
	}
	return backends, nil
}

// newRedisClientFromConfig returns nil when Redis is disabled.
func newRedisClientFromConfig(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	var client redis.UniversalClient
	switch strings.ToLower(strings.TrimSpace(cfg.Store.RedisMode)) {
	case "sentinel":
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Store.RedisMasterSet,
			SentinelAddrs: cfg.Store.RedisSentinelAddrs,
			Password:      cfg.Store.RedisPassword,
			DB:            cfg.Store.RedisDB,
		})
	case "standalone":
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	default:
		return nil, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
