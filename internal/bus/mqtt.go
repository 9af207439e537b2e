package bus

import (
	"context"
	"fmt"
	"sync"

	"tickstock-stream/common/config"
	"tickstock-stream/common/mqtt"

	"go.uber.org/zap"
)

// MQTTBus MQTT 总线（BUS_KIND=mqtt）
// 每次 Subscribe 建立独立连接，并关闭 paho 自动重连，由订阅循环负责退避重连
type MQTTBus struct {
	cfg    *config.MQTTConfig
	buffer int
	logger *zap.Logger

	pubOnce sync.Once
	pub     *mqtt.Client
	pubErr  error
}

// NewMQTTBus 创建 MQTT 总线；buffer 为接收队列长度
func NewMQTTBus(cfg *config.MQTTConfig, buffer int, logger *zap.Logger) *MQTTBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MQTTBus{cfg: cfg, buffer: buffer, logger: logger}
}

// Subscribe 连接 Broker 并订阅全部频道（topic）
func (b *MQTTBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &mqttSubscription{
		messages: make(chan *Message, b.buffer),
		lost:     make(chan error, 1),
		done:     make(chan struct{}),
	}

	client := mqtt.NewClient(b.cfg, false, func(err error) {
		select {
		case sub.lost <- err:
		default:
		}
	}, b.logger)
	sub.client = client

	if err := client.Connect(); err != nil {
		return nil, err
	}

	for _, ch := range channels {
		if err := client.Subscribe(ch, b.cfg.QoS, sub.deliver); err != nil {
			client.Disconnect()
			return nil, err
		}
	}

	return sub, nil
}

// Publish 发布消息（复用一个发布连接）
func (b *MQTTBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.pubOnce.Do(func() {
		pubCfg := *b.cfg
		pubCfg.ClientID = b.cfg.ClientID + "-pub"
		b.pub = mqtt.NewClient(&pubCfg, true, nil, b.logger)
		b.pubErr = b.pub.Connect()
	})
	if b.pubErr != nil {
		return b.pubErr
	}
	return b.pub.Publish(channel, b.cfg.QoS, false, payload)
}

// Close 断开发布连接
func (b *MQTTBus) Close() {
	if b.pub != nil {
		b.pub.Disconnect()
	}
}

type mqttSubscription struct {
	client   *mqtt.Client
	messages chan *Message
	lost     chan error
	done     chan struct{}
	once     sync.Once
}

// deliver paho 回调；队列满时阻塞回调以保持顺序
func (s *mqttSubscription) deliver(topic string, payload []byte) error {
	msg := &Message{Channel: topic, Payload: append([]byte(nil), payload...)}
	select {
	case s.messages <- msg:
		return nil
	case <-s.done:
		return ErrSubscriptionClosed
	}
}

func (s *mqttSubscription) Receive(ctx context.Context) (*Message, error) {
	// 优先取走已排队的消息
	select {
	case msg := <-s.messages:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.messages:
		return msg, nil
	case err := <-s.lost:
		return nil, fmt.Errorf("mqtt connection lost: %w", err)
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *mqttSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.client.Disconnect()
	})
	return nil
}
