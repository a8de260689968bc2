package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/settlement/internal/domain"
)

type RedisSettlementCache struct {
	client *redis.Client
}

func NewRedisSettlementCache(addr string, password string, db int) *RedisSettlementCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSettlementCache{client: client}
}

// Client exposes the connection so the sequence generator can share it.
func (c *RedisSettlementCache) Client() *redis.Client {
	return c.client
}

func (c *RedisSettlementCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettlementCache) Close() error {
	return c.client.Close()
}

func (c *RedisSettlementCache) Get(ctx context.Context, key string) (*domain.SettleResponse, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.SettleResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisSettlementCache) Set(ctx context.Context, key string, value *domain.SettleResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
