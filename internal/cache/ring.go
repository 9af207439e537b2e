package cache

import (
	"sync"
	"time"

	"tickstock-stream/internal/models"
)

// ring 单个层级的有界环形缓冲区（FIFO 淘汰）
type ring struct {
	mu       sync.RWMutex
	buf      []*models.DetectionEvent
	head     int // 最旧元素位置
	size     int
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{
		buf:      make([]*models.DetectionEvent, capacity),
		capacity: capacity,
	}
}

// push 追加事件；缓冲区已满时先淘汰最旧的元素并返回它
func (r *ring) push(e *models.DetectionEvent) (evicted *models.DetectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.capacity {
		evicted = r.buf[r.head]
		r.buf[r.head] = e
		r.head = (r.head + 1) % r.capacity
		return evicted
	}

	r.buf[(r.head+r.size)%r.capacity] = e
	r.size++
	return nil
}

// snapshot 复制当前内容（从旧到新），锁只在复制期间持有
func (r *ring) snapshot() []*models.DetectionEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.DetectionEvent, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%r.capacity]
	}
	return out
}

// removeExpired 删除 now 时刻已过期的事件，返回被删除的事件
func (r *ring) removeExpired(now time.Time) []*models.DetectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*models.DetectionEvent
	kept := make([]*models.DetectionEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.head+i)%r.capacity]
		if e.Expired(now) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil
	}

	for i := range r.buf {
		r.buf[i] = nil
	}
	copy(r.buf, kept)
	r.head = 0
	r.size = len(kept)
	return removed
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
