package bus

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBus Redis Pub/Sub 总线
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus 创建 Redis 总线
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Subscribe 订阅频道并等待服务端确认
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)

	// 第一次 Receive 返回订阅确认；失败说明连接不可用
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}

	return &redisSubscription{ps: ps}, nil
}

// Publish 发布消息
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

// Receive 跳过订阅确认和 pong，只返回数据消息
func (s *redisSubscription) Receive(ctx context.Context) (*Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
