package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache backs the verification cache with Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache parses the URL, connects, and verifies connectivity with a
// ping. A dead Redis at startup is an error; a dead Redis later is a miss.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration, log *zap.Logger) (*RedisCache, error) {
	if log == nil {
		log = zap.NewNop()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	log.Info("redis cache connected", zap.Duration("ttl", ttl))

	return &RedisCache{client: client, ttl: ttl, log: log}, nil
}

func (c *RedisCache) GetVerification(ctx context.Context, chain, txHash string) (Verification, bool) {
	raw, err := c.client.Get(ctx, verificationKey(chain, txHash)).Bytes()
	if err == redis.Nil {
		return Verification{}, false
	}
	if err != nil {
		c.log.Error("redis get failed", zap.Error(err))
		return Verification{}, false
	}

	var v Verification
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Error("malformed cached verification", zap.Error(err))
		return Verification{}, false
	}
	return v, true
}

func (c *RedisCache) SetVerification(ctx context.Context, v Verification) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal verification failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, verificationKey(v.Chain, v.TxHash), raw, c.ttl).Err(); err != nil {
		c.log.Error("redis set failed", zap.Error(err))
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
