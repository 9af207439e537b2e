package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rediscommon "tickstock-stream/common/redis"
	"tickstock-stream/internal/bus"
	"tickstock-stream/internal/metrics"
	"tickstock-stream/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Recorder 心跳持久化（flow.Recorder 实现）
type Recorder interface {
	RecordHeartbeat(ctx context.Context, hb *models.HeartbeatRecord) error
}

// Config 心跳配置
type Config struct {
	Interval        time.Duration
	GraceMultiplier int
	ProducerKey     string
	ConsumerKey     string
}

// ComponentStatus 单个发出方的存活状态
type ComponentStatus struct {
	Up              bool       `json:"up"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	AgeSeconds      *float64   `json:"age_seconds,omitempty"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	EventsProcessed int64      `json:"events_processed"`
	LastEventAt     *time.Time `json:"last_event_at,omitempty"`
}

// Liveness 存活检查结果；Producer 与 Consumer 相互独立
type Liveness struct {
	Producer ComponentStatus `json:"producer"`
	Consumer ComponentStatus `json:"consumer"`
	Grace    float64         `json:"grace_seconds"`
}

// Monitor Heartbeat Monitor
// 定时发出本服务心跳（数据库 + Redis key），并跟踪 Producer 心跳（频道消息 + Redis key）
type Monitor struct {
	cfg      Config
	grace    time.Duration
	recorder Recorder
	redis    *redis.Client // 可为 nil
	logger   *zap.Logger
	now      func() time.Time

	startedAt       time.Time
	eventsProcessed atomic.Int64
	lastEventAt     atomic.Int64 // unix nano，0 表示尚无事件

	mu               sync.RWMutex
	lastProducer     *models.HeartbeatRecord
	lastProducerSeen time.Time
	lastEmitted      time.Time
}

// NewMonitor 创建 Monitor
func NewMonitor(cfg Config, recorder Recorder, redisClient *redis.Client, logger *zap.Logger) *Monitor {
	if cfg.GraceMultiplier < 1 {
		cfg.GraceMultiplier = 2
	}
	return &Monitor{
		cfg:       cfg,
		grace:     time.Duration(cfg.GraceMultiplier) * cfg.Interval,
		recorder:  recorder,
		redis:     redisClient,
		logger:    logger,
		now:       time.Now,
		startedAt: time.Now(),
	}
}

// EventProcessed 记录一次成功处理的事件
func (m *Monitor) EventProcessed(at time.Time) {
	m.eventsProcessed.Add(1)
	m.lastEventAt.Store(at.UnixNano())
}

// ObserveProducer 接收 Producer 心跳；emitted_at 未递增的记录被忽略
func (m *Monitor) ObserveProducer(hb *models.HeartbeatRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastProducer != nil && !hb.EmittedAt.After(m.lastProducer.EmittedAt) {
		return false
	}
	rec := *hb
	rec.EmitterRole = models.EmitterProducer
	m.lastProducer = &rec
	m.lastProducerSeen = m.now()
	return true
}

// HandleMessage 订阅循环中心跳频道的处理函数
func (m *Monitor) HandleMessage(ctx context.Context, msg *bus.Message) error {
	var hb models.HeartbeatRecord
	if err := json.Unmarshal(msg.Payload, &hb); err != nil {
		return fmt.Errorf("invalid heartbeat on %s: %w", msg.Channel, err)
	}
	if hb.EmitterRole != "" && hb.EmitterRole != models.EmitterProducer {
		return nil
	}
	if m.ObserveProducer(&hb) {
		metrics.ProducerUp.Set(1)
	}
	return nil
}

// Liveness 在 now 时刻的存活状态
func (m *Monitor) Liveness(now time.Time) Liveness {
	l := Liveness{Grace: m.grace.Seconds()}

	m.mu.RLock()
	if m.lastProducer != nil {
		age := now.Sub(m.lastProducerSeen)
		ageSecs := age.Seconds()
		emitted := m.lastProducer.EmittedAt
		l.Producer = ComponentStatus{
			Up:              age < m.grace,
			LastHeartbeatAt: &emitted,
			AgeSeconds:      &ageSecs,
			UptimeSeconds:   m.lastProducer.UptimeSeconds,
			EventsProcessed: m.lastProducer.EventsProcessed,
			LastEventAt:     m.lastProducer.LastEventAt,
		}
	}
	var lastEmitted *time.Time
	if !m.lastEmitted.IsZero() {
		t := m.lastEmitted
		lastEmitted = &t
	}
	m.mu.RUnlock()

	l.Consumer = ComponentStatus{
		Up:              true,
		LastHeartbeatAt: lastEmitted,
		UptimeSeconds:   now.Sub(m.startedAt).Seconds(),
		EventsProcessed: m.eventsProcessed.Load(),
		LastEventAt:     m.lastEvent(),
	}
	return l
}

func (m *Monitor) lastEvent() *time.Time {
	ns := m.lastEventAt.Load()
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns).UTC()
	return &t
}

// Emit 发出一次本服务心跳并检查 Producer key
func (m *Monitor) Emit(ctx context.Context) {
	now := m.now().UTC()

	m.mu.Lock()
	if !now.After(m.lastEmitted) {
		now = m.lastEmitted.Add(time.Microsecond)
	}
	m.lastEmitted = now
	m.mu.Unlock()

	hb := &models.HeartbeatRecord{
		EmittedAt:       now,
		EmitterRole:     models.EmitterConsumer,
		UptimeSeconds:   now.Sub(m.startedAt).Seconds(),
		EventsProcessed: m.eventsProcessed.Load(),
		LastEventAt:     m.lastEvent(),
	}

	if m.recorder != nil {
		// 失败已在 Recorder 中记录并排队重试
		_ = m.recorder.RecordHeartbeat(ctx, hb)
	}

	if m.redis != nil {
		if m.cfg.ConsumerKey != "" {
			if err := rediscommon.SetJSON(ctx, m.redis, m.cfg.ConsumerKey, hb, 2*m.cfg.Interval); err != nil {
				m.logger.Warn("Failed to publish consumer heartbeat", zap.Error(err))
			}
		}
		if m.cfg.ProducerKey != "" {
			m.pollProducerKey(ctx)
		}
	}

	m.updateGauge(now)
}

func (m *Monitor) pollProducerKey(ctx context.Context) {
	var hb models.HeartbeatRecord
	found, err := rediscommon.GetJSON(ctx, m.redis, m.cfg.ProducerKey, &hb)
	if err != nil {
		m.logger.Warn("Failed to read producer heartbeat key",
			zap.String("key", m.cfg.ProducerKey),
			zap.Error(err),
		)
		return
	}
	if found {
		m.ObserveProducer(&hb)
	}
}

func (m *Monitor) updateGauge(now time.Time) {
	l := m.Liveness(now)
	if l.Producer.Up {
		metrics.ProducerUp.Set(1)
		return
	}
	metrics.ProducerUp.Set(0)
	if l.Producer.LastHeartbeatAt != nil {
		m.logger.Warn("Producer heartbeat missing",
			zap.Time("last_heartbeat_at", *l.Producer.LastHeartbeatAt),
			zap.Float64("age_seconds", *l.Producer.AgeSeconds),
		)
	}
}

// Run 定时发出心跳，直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("Heartbeat monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("grace", m.grace),
	)

	m.Emit(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Emit(ctx)
		}
	}
}
