package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// SetJSON 序列化后写入 key（带 TTL，0 表示不过期）
func SetJSON(ctx context.Context, client *redis.Client, key string, data interface{}, ttl time.Duration) error {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := client.Set(ctx, key, jsonBytes, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// GetJSON 读取 key 并反序列化；key 不存在时返回 (false, nil)
func GetJSON(ctx context.Context, client *redis.Client, key string, dest interface{}) (bool, error) {
	val, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal key %s: %w", key, err)
	}
	return true, nil
}
