package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"tickstock-stream/internal/models"

	"github.com/gorilla/websocket"
)

// Conn 推送通道连接（*websocket.Conn 满足该接口）
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// SessionInfo 会话诊断信息
type SessionInfo struct {
	ID            string        `json:"id"`
	Remote        string        `json:"remote,omitempty"`
	Tiers         []models.Tier `json:"tiers"`
	All           bool          `json:"all"`
	MinConfidence float64       `json:"confidence_min"`
	ConnectedAt   time.Time     `json:"connected_at"`
	Queued        int           `json:"queued"`
	Sent          int64         `json:"sent"`
	Dropped       int64         `json:"dropped"`
	Stalled       bool          `json:"stalled"`
}

// Session 单个客户端会话
// 发送队列有界：满时丢弃最旧的未发送消息，不阻塞广播
type Session struct {
	ID            string
	Remote        string
	ConnectedAt   time.Time
	MinConfidence float64

	conn     Conn
	capacity int

	mu    sync.Mutex
	all   bool
	tiers map[models.Tier]bool
	queue [][]byte

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
	stalled atomic.Bool
}

func newSession(id string, conn Conn, capacity int, tiers []models.Tier, all bool) *Session {
	s := &Session{
		ID:          id,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		capacity:    capacity,
		all:         all,
		tiers:       make(map[models.Tier]bool),
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	for _, t := range tiers {
		s.tiers[t] = true
	}
	return s
}

// Subscribed 是否订阅了该层级
func (s *Session) Subscribed(tier models.Tier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all || s.tiers[tier]
}

// Subscribe 增加订阅；all=true 表示订阅全部层级
func (s *Session) Subscribe(tiers []models.Tier, all bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if all {
		s.all = true
	}
	for _, t := range tiers {
		s.tiers[t] = true
	}
}

// Unsubscribe 取消订阅；all=true 表示全部取消
func (s *Session) Unsubscribe(tiers []models.Tier, all bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if all {
		s.all = false
		s.tiers = make(map[models.Tier]bool)
		return
	}
	for _, t := range tiers {
		delete(s.tiers, t)
	}
}

// enqueue 放入发送队列，返回是否因队列已满丢弃了最旧的消息
func (s *Session) enqueue(data []byte) (dropped bool) {
	select {
	case <-s.closed:
		return false
	default:
	}

	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	if dropped {
		s.dropped.Add(1)
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// drain 取出全部待发送消息
func (s *Session) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = make([][]byte, 0, s.capacity)
	return out
}

// Info 诊断快照
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	tiers := make([]models.Tier, 0, len(s.tiers))
	for _, t := range models.AllTiers() {
		if s.tiers[t] {
			tiers = append(tiers, t)
		}
	}
	info := SessionInfo{
		ID:            s.ID,
		Remote:        s.Remote,
		Tiers:         tiers,
		All:           s.all,
		MinConfidence: s.MinConfidence,
		ConnectedAt:   s.ConnectedAt,
		Queued:        len(s.queue),
	}
	s.mu.Unlock()

	info.Sent = s.sent.Load()
	info.Dropped = s.dropped.Load()
	info.Stalled = s.stalled.Load()
	return info
}

// Dropped 因队列满被丢弃的消息数
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Sent 已写出的消息数
func (s *Session) Sent() int64 { return s.sent.Load() }

// Done 会话关闭时关闭
func (s *Session) Done() <-chan struct{} { return s.closed }

// close 关闭会话，丢弃未发送的消息
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

// writeNow 直接写出（带写超时）；超过 sendTimeout 标记为卡顿
func (s *Session) writeNow(messageType int, data []byte, sendTimeout, writeDeadline time.Duration) error {
	start := time.Now()
	if writeDeadline > 0 {
		_ = s.conn.SetWriteDeadline(start.Add(writeDeadline))
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	if messageType == websocket.TextMessage {
		s.sent.Add(1)
	}
	s.stalled.Store(sendTimeout > 0 && time.Since(start) > sendTimeout)
	return nil
}
