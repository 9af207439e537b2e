package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tickstock-stream/internal/bus"
	"tickstock-stream/internal/metrics"

	"go.uber.org/zap"
)

// Handler 频道消息处理函数；返回的错误只记录日志，不中断订阅
type Handler func(ctx context.Context, msg *bus.Message) error

// Subscriber Event Subscriber：每个进程只有一个总线订阅，内部按频道分发给已注册的处理函数
type Subscriber struct {
	source bus.Source
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	channels []string

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubscriber 创建订阅器
func NewSubscriber(source bus.Source, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		source:         source,
		logger:         logger,
		handlers:       make(map[string][]Handler),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Register 为频道注册处理函数（Start 之前调用）
func (s *Subscriber) Register(channel string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[channel]; !ok {
		s.channels = append(s.channels, channel)
	}
	s.handlers[channel] = append(s.handlers[channel], h)
}

// Channels 已注册的频道
func (s *Subscriber) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.channels...)
}

// Start 启动订阅循环，直到 ctx 取消
// 断线后按指数退避（1s → 2s → 4s ... 上限 30s）重连并重新订阅全部频道
func (s *Subscriber) Start(ctx context.Context) error {
	channels := s.Channels()
	if len(channels) == 0 {
		return errors.New("no channels registered")
	}

	s.logger.Info("Event subscriber started", zap.Strings("channels", channels))

	backoffDuration := s.initialBackoff
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Event subscriber stopped")
			return nil
		default:
		}

		received, err := s.consume(ctx, channels)
		if ctx.Err() != nil {
			s.logger.Info("Event subscriber stopped")
			return nil
		}
		if received {
			// 订阅后确实收到过消息才重置退避；订阅成功后立即断开的连接继续退避
			backoffDuration = s.initialBackoff
		}

		s.logger.Error("Bus subscription failed",
			zap.Error(err),
			zap.Duration("backoff", backoffDuration),
		)
		metrics.BusReconnects.Inc()

		select {
		case <-ctx.Done():
			s.logger.Info("Event subscriber stopped")
			return nil
		case <-time.After(backoffDuration):
			backoffDuration *= 2
			if backoffDuration > s.maxBackoff {
				backoffDuration = s.maxBackoff
			}
		}
	}
}

// consume 建立一次订阅并处理消息，直到连接出错；返回本次连接是否收到过消息
func (s *Subscriber) consume(ctx context.Context, channels []string) (bool, error) {
	sub, err := s.source.Subscribe(ctx, channels...)
	if err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	s.logger.Info("Subscribed to bus channels", zap.Strings("channels", channels))

	received := false
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return received, fmt.Errorf("failed to receive: %w", err)
		}
		received = true
		s.dispatch(ctx, msg)
	}
}

// dispatch 同一频道内按到达顺序同步处理
func (s *Subscriber) dispatch(ctx context.Context, msg *bus.Message) {
	metrics.MessagesReceived.WithLabelValues(msg.Channel).Inc()

	s.mu.RLock()
	handlers := s.handlers[msg.Channel]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		s.logger.Debug("No handler for channel", zap.String("channel", msg.Channel))
		return
	}

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			// 记录错误，继续处理下一条消息
			s.logger.Warn("Failed to handle bus message",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
		}
	}
}
