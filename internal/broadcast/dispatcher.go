package broadcast

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"tickstock-stream/internal/metrics"
	"tickstock-stream/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const pingPeriod = 30 * time.Second

// FlowRecorder 审计记录（flow.Recorder 实现）
type FlowRecorder interface {
	Record(ctx context.Context, flowID string, checkpoint models.Checkpoint, meta models.FlowMetadata) error
}

// SnapshotProvider 会话建立时的补齐快照（aggregator 实现）
type SnapshotProvider interface {
	Snapshot(ctx context.Context, tiers []models.Tier, confidenceMin float64, limit int) (interface{}, error)
}

// Config 分发配置
type Config struct {
	SendBuffer    int
	SendTimeout   time.Duration
	WriteDeadline time.Duration
}

// SessionOptions 会话建立参数（来自 /ws 查询参数）
type SessionOptions struct {
	Tiers         []models.Tier
	All           bool
	CatchUp       bool
	MinConfidence float64
	Limit         int
	Remote        string
}

// Dispatcher Broadcast Dispatcher：把新缓存的事件推送给已连接的会话
// 只做层级粒度的粗过滤；会话发送循环各自独立，慢会话不影响其它会话
type Dispatcher struct {
	cfg      Config
	recorder FlowRecorder
	snapshot SnapshotProvider // 可为 nil
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewDispatcher 创建 Dispatcher
func NewDispatcher(cfg Config, recorder FlowRecorder, logger *zap.Logger) *Dispatcher {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Dispatcher{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetSnapshotProvider 设置补齐快照来源（聚合器依赖缓存，构造顺序上晚于 Dispatcher）
func (d *Dispatcher) SetSnapshotProvider(p SnapshotProvider) {
	d.snapshot = p
}

// OnNewEvent 推送新事件，并写入 DELIVERED（附带接收会话数，0 也照常记录）
func (d *Dispatcher) OnNewEvent(ctx context.Context, e *models.DetectionEvent, channel string) {
	data, err := json.Marshal(models.PushMessage{Type: models.PushTypePattern, Tier: e.Tier, Pattern: e})
	if err != nil {
		d.logger.Error("Failed to marshal push message", zap.String("flow_id", e.FlowID), zap.Error(err))
		meta := models.MetadataFor(e, channel)
		meta.Context = map[string]interface{}{"error": err.Error()}
		_ = d.recorder.Record(ctx, e.FlowID, models.CheckpointPublishFailed, meta)
		return
	}

	recipients, dropped := 0, 0
	for _, s := range d.targets(e.Tier) {
		if e.Confidence < s.MinConfidence {
			continue
		}
		if s.enqueue(data) {
			dropped++
		}
		recipients++
	}

	if dropped > 0 {
		metrics.PushDropped.Add(float64(dropped))
		d.logger.Debug("Dropped oldest queued messages for slow sessions",
			zap.String("flow_id", e.FlowID),
			zap.Int("sessions", dropped),
		)
	}

	meta := models.MetadataFor(e, channel)
	meta.Context = map[string]interface{}{"recipients": recipients}
	_ = d.recorder.Record(ctx, e.FlowID, models.CheckpointDelivered, meta)
}

// Broadcast 推送给全部会话（周期刷新）
func (d *Dispatcher) Broadcast(msg models.PushMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error("Failed to marshal broadcast", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}

	sessions := d.all()
	for _, s := range sessions {
		if s.enqueue(data) {
			metrics.PushDropped.Inc()
		}
	}
	return len(sessions)
}

// targets 复制订阅了该层级的会话列表（不在锁内做任何发送）
func (d *Dispatcher) targets(tier models.Tier) []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if s.Subscribed(tier) {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) all() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// Register 登记会话（同步加入会话表）
func (d *Dispatcher) Register(conn Conn, opts SessionOptions) *Session {
	s := newSession(uuid.NewString(), conn, d.cfg.SendBuffer, opts.Tiers, opts.All)
	s.Remote = opts.Remote
	s.MinConfidence = opts.MinConfidence

	d.mu.Lock()
	d.sessions[s.ID] = s
	count := len(d.sessions)
	d.mu.Unlock()

	metrics.SessionsConnected.Set(float64(count))
	d.logger.Info("Push session connected",
		zap.String("session_id", s.ID),
		zap.String("remote", s.Remote),
		zap.Bool("all", opts.All),
		zap.Int("sessions", count),
	)
	return s
}

// Remove 同步移除会话并丢弃其未发送的消息
func (d *Dispatcher) Remove(s *Session) {
	d.mu.Lock()
	_, ok := d.sessions[s.ID]
	delete(d.sessions, s.ID)
	count := len(d.sessions)
	d.mu.Unlock()

	s.close()
	if !ok {
		return
	}

	metrics.SessionsConnected.Set(float64(count))
	d.logger.Info("Push session disconnected",
		zap.String("session_id", s.ID),
		zap.Int64("sent", s.Sent()),
		zap.Int64("dropped", s.Dropped()),
		zap.Int("sessions", count),
	)
}

// Serve 运行会话直到连接断开或 ctx 取消
// 顺序：登记 → 补齐快照直接写出 → 启动发送循环（期间到达的实时消息已在队列中）
func (d *Dispatcher) Serve(ctx context.Context, conn Conn, opts SessionOptions) {
	s := d.Register(conn, opts)
	defer d.Remove(s)

	if opts.CatchUp && d.snapshot != nil {
		if err := d.writeSnapshot(ctx, s, opts); err != nil {
			d.logger.Warn("Failed to write catch-up snapshot",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
			return
		}
	}

	go d.writePump(s)
	go func() {
		select {
		case <-ctx.Done():
			d.Remove(s)
		case <-s.Done():
		}
	}()
	d.readPump(s)
}

func (d *Dispatcher) writeSnapshot(ctx context.Context, s *Session, opts SessionOptions) error {
	tiers := opts.Tiers
	if opts.All {
		tiers = models.AllTiers()
	}
	snap, err := d.snapshot.Snapshot(ctx, tiers, opts.MinConfidence, opts.Limit)
	if err != nil {
		return err
	}
	data, err := json.Marshal(models.PushMessage{Type: models.PushTypeSnapshot, Data: snap})
	if err != nil {
		return err
	}
	return s.writeNow(websocket.TextMessage, data, d.cfg.SendTimeout, d.cfg.WriteDeadline)
}

// writePump 单个会话的发送循环；写失败（传输层断开）时关闭会话
func (d *Dispatcher) writePump(s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.writeNow(websocket.PingMessage, nil, 0, d.cfg.WriteDeadline); err != nil {
				d.Remove(s)
				return
			}
		case <-s.notify:
			for _, data := range s.drain() {
				if err := s.writeNow(websocket.TextMessage, data, d.cfg.SendTimeout, d.cfg.WriteDeadline); err != nil {
					d.logger.Debug("Push write failed", zap.String("session_id", s.ID), zap.Error(err))
					d.Remove(s)
					return
				}
				metrics.PushSent.Inc()
			}
			if s.stalled.Load() {
				d.logger.Warn("Push session is stalled",
					zap.String("session_id", s.ID),
					zap.Int64("dropped", s.Dropped()),
				)
			}
		}
	}
}

// readPump 读取客户端控制消息（subscribe / unsubscribe / ping）
func (d *Dispatcher) readPump(s *Session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var action models.ClientAction
		if err := json.Unmarshal(data, &action); err != nil {
			d.reply(s, models.PushMessage{Type: models.PushTypeError, Error: "invalid control message"})
			continue
		}

		name := strings.ToLower(action.Action)
		switch name {
		case "ping":
			d.reply(s, models.PushMessage{Type: models.PushTypePong})
		case "subscribe", "unsubscribe":
			tiers, all, err := ParseTiers(action.Tiers)
			if err != nil {
				d.reply(s, models.PushMessage{Type: models.PushTypeError, Error: err.Error()})
				continue
			}
			if name == "subscribe" {
				s.Subscribe(tiers, all)
			} else {
				s.Unsubscribe(tiers, all)
			}
		default:
			d.reply(s, models.PushMessage{Type: models.PushTypeError, Error: "unknown action " + action.Action})
		}
	}
}

func (d *Dispatcher) reply(s *Session, msg models.PushMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(data)
}

// Sessions 诊断：全部会话信息（按建立时间排序）
func (d *Dispatcher) Sessions() []SessionInfo {
	sessions := d.all()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Count 当前会话数
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// CloseAll 关闭全部会话（停机时调用）
func (d *Dispatcher) CloseAll() {
	for _, s := range d.all() {
		d.Remove(s)
	}
}

// ParseTiers 解析层级列表；空列表或包含 "all" 表示全部层级
func ParseTiers(names []string) ([]models.Tier, bool, error) {
	if len(names) == 0 {
		return nil, true, nil
	}
	tiers := make([]models.Tier, 0, len(names))
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), models.TimeframeAll) {
			return nil, true, nil
		}
		t, err := models.ParseTier(name)
		if err != nil {
			return nil, false, err
		}
		tiers = append(tiers, t)
	}
	return tiers, false, nil
}
