package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// AttemptRepository 记录异步补写任务的失败次数。
type AttemptRepository interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type redisAttemptRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewAttemptRepository 创建一个基于 Redis 的计数仓库，计数 24 小时后过期。
func NewAttemptRepository(redisClient *redis.Client) AttemptRepository {
	return &redisAttemptRepository{redisClient: redisClient, ttl: 24 * time.Hour}
}

func attemptKey(key string) string {
	return fmt.Sprintf("kafka:attempts:%s", key)
}

func (r *redisAttemptRepository) Incr(ctx context.Context, key string) (int64, error) {
	attempts, err := r.redisClient.Incr(ctx, attemptKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to incr attempts: %w", err)
	}
	_ = r.redisClient.Expire(ctx, attemptKey(key), r.ttl).Err()
	return attempts, nil
}

func (r *redisAttemptRepository) Reset(ctx context.Context, key string) error {
	return r.redisClient.Del(ctx, attemptKey(key)).Err()
}
