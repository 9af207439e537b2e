package redis

import (
	"context"
	"fmt"
	"time"

	"tickstock-stream/common/config"

	"github.com/go-redis/redis/v8"
)

const (
	dialTimeout = 3 * time.Second
	pingTimeout = 2 * time.Second
)

// NewRedisClient 按配置创建客户端，不发起连接
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
}

// Ping 在 pingTimeout 内检查连通性，错误中带上地址
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", client.Options().Addr, err)
	}
	return nil
}
