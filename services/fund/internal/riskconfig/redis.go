package riskconfig

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "fund:system_risk"

// RedisSource reads the system-risk hash with HGETALL.
type RedisSource struct {
	client redis.UniversalClient
	key    string
}

func NewRedisSource(client redis.UniversalClient, key string) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{client: client, key: key}
}

func (s *RedisSource) Flags(ctx context.Context) (Flags, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Flags{}, fmt.Errorf("read system risk config: %w", err)
	}
	return ParseFlags(values)
}

func (s *RedisSource) SetValue(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("write system risk config: %w", err)
	}
	return nil
}
