package bus

import (
	"context"
	"errors"
)

// ErrSubscriptionClosed 订阅已关闭
var ErrSubscriptionClosed = errors.New("subscription closed")

// Message 总线消息
type Message struct {
	Channel string
	Payload []byte
}

// Subscription 一条活跃订阅；Receive 按频道内顺序返回消息
type Subscription interface {
	// Receive 阻塞直到收到消息、连接出错或 ctx 取消
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Source 可订阅的总线
type Source interface {
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// Publisher 可发布的总线（运维工具使用）
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
