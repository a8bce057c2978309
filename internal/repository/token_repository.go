package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenBlacklistRepository 维护已登出的 token 黑名单。
type TokenBlacklistRepository interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type redisTokenBlacklistRepository struct {
	redisClient *redis.Client
}

// NewTokenBlacklistRepository 创建一个基于 Redis 的黑名单仓库。
func NewTokenBlacklistRepository(redisClient *redis.Client) TokenBlacklistRepository {
	return &redisTokenBlacklistRepository{redisClient: redisClient}
}

func blacklistKey(token string) string {
	return "blacklist:" + token
}

// Revoke 将 token 加入黑名单，ttl 取 token 的剩余有效期。
func (r *redisTokenBlacklistRepository) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.redisClient.Set(ctx, blacklistKey(token), "true", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked 判断 token 是否已登出。
func (r *redisTokenBlacklistRepository) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := r.redisClient.Exists(ctx, blacklistKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return n > 0, nil
}
