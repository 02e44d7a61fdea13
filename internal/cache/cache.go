package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"integration-hub/internal/config"
)

// ListCache holds encoded query results that are dropped wholesale whenever
// the underlying rows change.
type ListCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context) error
}

// Locker hands out advisory locks that expire after ttl. ok is false when
// another holder owns the key. release is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Backend bundles the cache and locker selected by configuration.
type Backend struct {
	Lists ListCache
	Locks Locker

	client *redis.Client
}

// Open connects to Redis when it is enabled, otherwise it returns
// process-local implementations. A configured but unreachable Redis is an
// error: falling back would silently drop the cross-process sync lock.
func Open(ctx context.Context, cfg config.RedisConfig, ttl time.Duration, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled {
		log.Info("redis disabled, using in-memory cache and locks")
		return &Backend{Lists: NewMemoryListCache(ttl), Locks: NewMemoryLocker()}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &Backend{
		Lists:  NewRedisListCache(client, "", ttl),
		Locks:  NewRedisLocker(client, ""),
		client: client,
	}, nil
}

func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
