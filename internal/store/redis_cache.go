package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fulcrumdata/entitystore/internal/config"
	"github.com/fulcrumdata/entitystore/internal/model"
)

// NewRedisClient opens and pings the shared Redis client for the
// distributed cache tier.
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis cache tier ready", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return client, nil
}

// RedisIdentityCache shares the forward EntityKey -> id mapping across
// processes so a cache miss in one process can be served by another's
// recent write instead of going to Postgres. Best-effort: entries never
// expire on their own but losing them only costs a backing-store read.
type RedisIdentityCache struct {
	client *redis.Client
	prefix string
}

// NewRedisIdentityCache creates the forward identity cache tier.
func NewRedisIdentityCache(client *redis.Client, prefix string) *RedisIdentityCache {
	return &RedisIdentityCache{client: client, prefix: prefix}
}

func (c *RedisIdentityCache) Get(ctx context.Context, key model.EntityKey) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed cached id: %w", err)
	}
	return id, true, nil
}

func (c *RedisIdentityCache) Set(ctx context.Context, key model.EntityKey, id uuid.UUID) error {
	return c.client.Set(ctx, c.redisKey(key), id.String(), 0).Err()
}

func (c *RedisIdentityCache) redisKey(key model.EntityKey) string {
	return fmt.Sprintf("%s:ek:%s:%s:%s", c.prefix, key.EntitySetID, key.SyncID, key.EntityID)
}

// RedisReverseIdentityCache shares the id -> EntityKey mapping.
type RedisReverseIdentityCache struct {
	client *redis.Client
	prefix string
}

// NewRedisReverseIdentityCache creates the reverse identity cache tier.
func NewRedisReverseIdentityCache(client *redis.Client, prefix string) *RedisReverseIdentityCache {
	return &RedisReverseIdentityCache{client: client, prefix: prefix}
}

func (c *RedisReverseIdentityCache) Get(ctx context.Context, id uuid.UUID) (model.EntityKey, bool, error) {
	val, err := c.client.HGetAll(ctx, c.redisKey(id)).Result()
	if err != nil {
		return model.EntityKey{}, false, err
	}
	if len(val) == 0 {
		return model.EntityKey{}, false, nil
	}

	key, err := parseEntityKey(val["entity_set_id"], val["sync_id"], val["entity_id"])
	if err != nil {
		return model.EntityKey{}, false, err
	}
	return key, true, nil
}

func (c *RedisReverseIdentityCache) Set(ctx context.Context, id uuid.UUID, key model.EntityKey) error {
	return c.client.HSet(ctx, c.redisKey(id),
		"entity_set_id", key.EntitySetID.String(),
		"sync_id", key.SyncID.String(),
		"entity_id", key.EntityID,
	).Err()
}

func (c *RedisReverseIdentityCache) redisKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:ekid:%s", c.prefix, id)
}
