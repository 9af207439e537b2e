package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tickstock-stream/internal/bus"
	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// flakySource 前 failures 次订阅失败，之后返回内存订阅
type flakySource struct {
	mu         sync.Mutex
	failures   int
	attempts   int
	subscribed [][]string
	messages   chan *bus.Message
}

func (f *flakySource) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.attempts <= f.failures {
		return nil, errors.New("connection refused")
	}
	f.subscribed = append(f.subscribed, channels)
	return &chanSubscription{messages: f.messages}, nil
}

func (f *flakySource) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type chanSubscription struct {
	messages chan *bus.Message
}

func (s *chanSubscription) Receive(ctx context.Context) (*bus.Message, error) {
	select {
	case msg, ok := <-s.messages:
		if !ok {
			return nil, bus.ErrSubscriptionClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSubscription) Close() error { return nil }

func TestSubscriber_ReconnectsWithBackoff(t *testing.T) {
	src := &flakySource{failures: 2, messages: make(chan *bus.Message, 1)}
	s := NewSubscriber(src, zaptest.NewLogger(t))
	s.initialBackoff = 5 * time.Millisecond
	s.maxBackoff = 20 * time.Millisecond

	received := make(chan string, 1)
	s.Register("patterns", func(ctx context.Context, msg *bus.Message) error {
		received <- string(msg.Payload)
		return nil
	})
	s.Register("heartbeat", func(ctx context.Context, msg *bus.Message) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	src.messages <- &bus.Message{Channel: "patterns", Payload: []byte("hello")}

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after reconnect")
	}
	assert.Equal(t, 3, src.attemptCount())

	src.mu.Lock()
	assert.Equal(t, []string{"patterns", "heartbeat"}, src.subscribed[0], "re-subscribes to every registered channel")
	src.mu.Unlock()

	cancel()
	assert.NoError(t, <-done)
}

// droppingSource 订阅总是成功，但连接随即断开
type droppingSource struct {
	mu       sync.Mutex
	attempts []time.Time
}

func (d *droppingSource) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, time.Now())
	d.mu.Unlock()
	messages := make(chan *bus.Message)
	close(messages)
	return &chanSubscription{messages: messages}, nil
}

func (d *droppingSource) gaps() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []time.Duration
	for i := 1; i < len(d.attempts); i++ {
		out = append(out, d.attempts[i].Sub(d.attempts[i-1]))
	}
	return out
}

func TestSubscriber_ImmediateDropKeepsBackingOff(t *testing.T) {
	src := &droppingSource{}
	s := NewSubscriber(src, zap.NewNop())
	s.initialBackoff = 10 * time.Millisecond
	s.maxBackoff = 80 * time.Millisecond
	s.Register("patterns", func(ctx context.Context, msg *bus.Message) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return len(src.gaps()) >= 5 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	// 10ms, 20ms, 40ms, 80ms, 80ms：没有收到消息时不重置退避
	gaps := src.gaps()
	assert.GreaterOrEqual(t, gaps[3], 80*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[4], 80*time.Millisecond)
}

func TestSubscriber_HandlerErrorDoesNotStopLoop(t *testing.T) {
	src := &flakySource{messages: make(chan *bus.Message, 2)}
	s := NewSubscriber(src, zap.NewNop())

	var calls int
	var mu sync.Mutex
	s.Register("patterns", func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()

	src.messages <- &bus.Message{Channel: "patterns", Payload: []byte("1")}
	src.messages <- &bus.Message{Channel: "patterns", Payload: []byte("2")}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriber_NoChannels(t *testing.T) {
	s := NewSubscriber(&flakySource{}, zap.NewNop())
	assert.Error(t, s.Start(context.Background()))
}

func TestSubscriber_MalformedMessageDoesNotBlockNext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := cache.NewTieredCache(nil, 100, zap.NewNop())
	rec := &fakeRecorder{}
	disp := &mockDispatcher{}
	delivered := make(chan time.Time, 1)
	disp.On("OnNewEvent", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		delivered <- time.Now()
	})

	handler := NewPatternHandler(PatternHandlerConfig{DefaultTier: models.TierIntraday}, c, rec, disp, nil, zap.NewNop())
	redisBus := bus.NewRedisBus(client)
	s := NewSubscriber(redisBus, zap.NewNop())
	s.Register("patterns", handler.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("patterns")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, redisBus.Publish(ctx, "patterns", []byte(`{"event_type": "pattern_detected", "data": [`)))
	require.NoError(t, redisBus.Publish(ctx, "patterns", []byte(validMessage())))

	select {
	case at := <-delivered:
		assert.Less(t, at.Sub(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message was not processed after a malformed one")
	}

	assert.Len(t, rec.byCheckpoint(models.CheckpointRejected), 1)
	assert.True(t, c.Contains("abc-123"))
}
