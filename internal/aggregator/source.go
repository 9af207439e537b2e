package aggregator

import (
	"context"
	"time"

	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/models"
	"tickstock-stream/internal/repository"
)

// TierSource 层级数据源（缓存或数据库）
type TierSource interface {
	Name() string
	Query(ctx context.Context, tier models.Tier, since time.Time, confidenceMin float64, limit int) ([]*models.DetectionEvent, error)
}

// CacheSource 以 Tiered Event Cache 为数据源
type CacheSource struct {
	cache *cache.TieredCache
}

// NewCacheSource 创建缓存数据源
func NewCacheSource(c *cache.TieredCache) *CacheSource {
	return &CacheSource{cache: c}
}

func (s *CacheSource) Name() string { return "cache" }

// Query 缓存快照查询（置信度降序，其次检测时间降序）
func (s *CacheSource) Query(ctx context.Context, tier models.Tier, since time.Time, confidenceMin float64, limit int) ([]*models.DetectionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cache.Query(tier, cache.Query{
		Since:         since,
		MinConfidence: confidenceMin,
		Limit:         limit,
		OrderBy:       cache.OrderByConfidence,
	})
}

// PatternQuerier 数据库层级查询（repository.PatternRepository 实现）
type PatternQuerier interface {
	QueryTier(ctx context.Context, q repository.TierQuery) ([]*models.DetectionEvent, error)
}

// StoreSource 以关系库 detection_events 表为数据源
type StoreSource struct {
	repo PatternQuerier
}

// NewStoreSource 创建数据库数据源
func NewStoreSource(repo PatternQuerier) *StoreSource {
	return &StoreSource{repo: repo}
}

func (s *StoreSource) Name() string { return "store" }

func (s *StoreSource) Query(ctx context.Context, tier models.Tier, since time.Time, confidenceMin float64, limit int) ([]*models.DetectionEvent, error) {
	return s.repo.QueryTier(ctx, repository.TierQuery{
		Tier:          tier,
		Since:         since,
		MinConfidence: confidenceMin,
		Limit:         limit,
	})
}
