package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

type RedisMessageCache struct {
	client *redis.Client
	prefix string
}

func NewRedisMessageCache(cfg config.RedisConfig, prefix string) (*RedisMessageCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisMessageCacheFromClient(client, prefix), nil
}

func NewRedisMessageCacheFromClient(client *redis.Client, prefix string) *RedisMessageCache {
	return &RedisMessageCache{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisMessageCache) generationKey() string {
	return fmt.Sprintf("%s:messages:gen", c.prefix)
}

func (c *RedisMessageCache) BuildKey(generation int64) string {
	return fmt.Sprintf("%s:messages:list:%d", c.prefix, generation)
}

func (c *RedisMessageCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get generation from redis: %w", err)
	}
	return gen, nil
}

func (c *RedisMessageCache) Get(ctx context.Context, key string) ([]domain.Message, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var messages []domain.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return messages, nil
}

func (c *RedisMessageCache) Set(ctx context.Context, key string, messages []domain.Message, ttl time.Duration) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	return nil
}

func (c *RedisMessageCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump generation in redis: %w", err)
	}
	return nil
}

func (c *RedisMessageCache) Close() error {
	return c.client.Close()
}
