package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickstock-stream/internal/metrics"
	"tickstock-stream/internal/models"

	"go.uber.org/zap"
)

// DefaultCapacity 每个层级默认保留的事件数
const DefaultCapacity = 1000

var (
	// ErrInvalidLimit limit 必须为正数（禁止无上限的响应）
	ErrInvalidLimit = errors.New("limit must be positive")
	// ErrDuplicateFlow flow_id 已存在于缓存中（协议违规）
	ErrDuplicateFlow = errors.New("duplicate flow id")
)

// OrderBy 查询结果排序方式
type OrderBy int

const (
	// OrderByConfidence 置信度降序，其次检测时间降序
	OrderByConfidence OrderBy = iota
	// OrderByDetectedAt 检测时间降序，其次置信度降序
	OrderByDetectedAt
)

// Query 查询条件
type Query struct {
	Since         time.Time // 零值表示不限制
	MinConfidence float64
	Limit         int
	OrderBy       OrderBy
}

// TierStats 单个层级的统计（诊断用）
type TierStats struct {
	Tier     models.Tier `json:"tier"`
	Entries  int         `json:"entries"`
	Capacity int         `json:"capacity"`
}

// TieredCache 按层级划分的内存事件缓存
// 单写多读：写入方为订阅循环，读取方为聚合器和推送分发器
type TieredCache struct {
	rings  map[models.Tier]*ring // 构造后只读
	logger *zap.Logger
	now    func() time.Time

	indexMu sync.Mutex
	index   map[string]models.Tier // flow_id -> tier
}

// NewTieredCache 创建缓存；capacities 中未出现的已知层级使用 defaultCapacity
func NewTieredCache(capacities map[models.Tier]int, defaultCapacity int, logger *zap.Logger) *TieredCache {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultCapacity
	}

	rings := make(map[models.Tier]*ring, len(models.AllTiers()))
	for _, tier := range models.AllTiers() {
		capacity := defaultCapacity
		if c, ok := capacities[tier]; ok && c > 0 {
			capacity = c
		}
		rings[tier] = newRing(capacity)
	}

	return &TieredCache{
		rings:  rings,
		logger: logger,
		now:    time.Now,
		index:  make(map[string]models.Tier),
	}
}

// Insert 写入事件；已满时淘汰该层级最旧的事件
func (c *TieredCache) Insert(e *models.DetectionEvent) error {
	r, ok := c.rings[e.Tier]
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownTier, e.Tier)
	}

	c.indexMu.Lock()
	if _, exists := c.index[e.FlowID]; exists {
		c.indexMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateFlow, e.FlowID)
	}
	c.index[e.FlowID] = e.Tier
	c.indexMu.Unlock()

	evicted := r.push(e)
	if evicted != nil {
		c.forget(evicted.FlowID)
		metrics.CacheEvictions.WithLabelValues(string(e.Tier), "capacity").Inc()
	}

	metrics.EventsCached.WithLabelValues(string(e.Tier)).Inc()
	metrics.CacheEntries.WithLabelValues(string(e.Tier)).Set(float64(r.len()))
	return nil
}

// Query 按层级和过滤条件查询；未知层级返回空结果
func (c *TieredCache) Query(tier models.Tier, q Query) ([]*models.DetectionEvent, error) {
	if q.Limit <= 0 {
		return nil, ErrInvalidLimit
	}

	r, ok := c.rings[tier]
	if !ok {
		return []*models.DetectionEvent{}, nil
	}

	now := c.now()
	snapshot := r.snapshot()
	result := make([]*models.DetectionEvent, 0, len(snapshot))
	for _, e := range snapshot {
		if e.Expired(now) {
			continue
		}
		if e.Confidence < q.MinConfidence {
			continue
		}
		if !q.Since.IsZero() && e.DetectedAt.Before(q.Since) {
			continue
		}
		result = append(result, e)
	}

	SortEvents(result, q.OrderBy)
	if len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// Contains flow_id 是否在缓存中
func (c *TieredCache) Contains(flowID string) bool {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	_, ok := c.index[flowID]
	return ok
}

// Len 层级当前条目数
func (c *TieredCache) Len(tier models.Tier) int {
	r, ok := c.rings[tier]
	if !ok {
		return 0
	}
	return r.len()
}

// Capacity 层级容量
func (c *TieredCache) Capacity(tier models.Tier) int {
	r, ok := c.rings[tier]
	if !ok {
		return 0
	}
	return r.capacity
}

// Stats 全部层级统计
func (c *TieredCache) Stats() []TierStats {
	stats := make([]TierStats, 0, len(c.rings))
	for _, tier := range models.AllTiers() {
		r := c.rings[tier]
		stats = append(stats, TierStats{Tier: tier, Entries: r.len(), Capacity: r.capacity})
	}
	return stats
}

// Sweep 删除已过期条目，返回删除数量
func (c *TieredCache) Sweep(now time.Time) int {
	total := 0
	for tier, r := range c.rings {
		removed := r.removeExpired(now)
		if len(removed) == 0 {
			continue
		}
		for _, e := range removed {
			c.forget(e.FlowID)
		}
		total += len(removed)
		metrics.CacheEvictions.WithLabelValues(string(tier), "expired").Add(float64(len(removed)))
		metrics.CacheEntries.WithLabelValues(string(tier)).Set(float64(r.len()))
	}
	return total
}

// RunSweeper 周期性清理过期条目，直到 ctx 取消
func (c *TieredCache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Cache expiry sweeper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Cache expiry sweeper stopped")
			return
		case <-ticker.C:
			if removed := c.Sweep(c.now()); removed > 0 {
				c.logger.Debug("Swept expired cache entries", zap.Int("removed", removed))
			}
		}
	}
}

func (c *TieredCache) forget(flowID string) {
	c.indexMu.Lock()
	delete(c.index, flowID)
	c.indexMu.Unlock()
}

// SortEvents 按指定方式原地排序（稳定排序）
func SortEvents(events []*models.DetectionEvent, order OrderBy) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if order == OrderByDetectedAt {
			if !a.DetectedAt.Equal(b.DetectedAt) {
				return a.DetectedAt.After(b.DetectedAt)
			}
			return a.Confidence > b.Confidence
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.DetectedAt.After(b.DetectedAt)
	})
}
