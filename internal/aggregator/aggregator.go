package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"tickstock-stream/internal/config"
	"tickstock-stream/internal/metrics"
	"tickstock-stream/internal/models"
	"tickstock-stream/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// 层级查询状态
const (
	StatusOK       = "ok"
	StatusTimeout  = "timeout"
	StatusError    = "error"
	StatusDisabled = "disabled"
)

// 拉取接口 limit 约束
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var (
	// ErrUnknownTier 未知层级
	ErrUnknownTier = models.ErrUnknownTier
	// ErrInvalidParameter 请求参数非法
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrTierTimeout 单层级查询超时
	ErrTierTimeout = errors.New("tier query timed out")
	// ErrStoreUnavailable 数据库不可用
	ErrStoreUnavailable = repository.ErrStoreUnavailable
)

// TierPlan 单个层级的查询计划
type TierPlan struct {
	Tier    models.Tier
	Source  TierSource
	Window  config.Window
	Timeout time.Duration
	Enabled bool
}

// TierResult 单个层级的查询结果
type TierResult struct {
	Tier           models.Tier              `json:"tier"`
	Patterns       []*models.DetectionEvent `json:"patterns"`
	Count          int                      `json:"count"`
	Status         string                   `json:"status"`
	Error          string                   `json:"error,omitempty"`
	Source         string                   `json:"source,omitempty"`
	WindowStart    time.Time                `json:"window_start"`
	ResponseTimeMs float64                  `json:"response_time_ms"`

	err error
}

// Err 查询失败的原因（ok / disabled 时为 nil）
func (r *TierResult) Err() error { return r.err }

// RefreshMetadata 合并响应的元信息
type RefreshMetadata struct {
	ConfidenceMin  float64   `json:"confidence_min"`
	LimitPerTier   int       `json:"limit_per_tier"`
	TierCount      int       `json:"tier_count"`
	FailedTiers    int       `json:"failed_tiers"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// RefreshResponse 按层级合并的响应
type RefreshResponse struct {
	Tiers    map[models.Tier]*TierResult `json:"tiers"`
	Metadata RefreshMetadata             `json:"metadata"`
}

// Aggregator Multi-Table Refresh Aggregator
// 每个层级一个并发查询，各自带超时；整体另有外层超时，单个层级失败不影响其它层级
type Aggregator struct {
	plans        map[models.Tier]TierPlan
	outerTimeout time.Duration
	group        singleflight.Group
	logger       *zap.Logger
	now          func() time.Time
}

// New 创建聚合器
func New(plans []TierPlan, outerTimeout time.Duration, logger *zap.Logger) *Aggregator {
	byTier := make(map[models.Tier]TierPlan, len(plans))
	for _, p := range plans {
		byTier[p.Tier] = p
	}
	return &Aggregator{
		plans:        byTier,
		outerTimeout: outerTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// PlansFromConfig 按层级配置选择数据源、窗口和超时
func PlansFromConfig(cfg *config.Config, cacheSrc, storeSrc TierSource) []TierPlan {
	plans := make([]TierPlan, 0, len(cfg.Tiers))
	for _, tier := range models.AllTiers() {
		ts, ok := cfg.Tiers[tier]
		if !ok {
			continue
		}
		src := cacheSrc
		if ts.Source == config.SourceStore {
			src = storeSrc
		}
		plans = append(plans, TierPlan{
			Tier:    tier,
			Source:  src,
			Window:  ts.Window,
			Timeout: cfg.TierTimeout(tier),
			Enabled: ts.Enabled,
		})
	}
	return plans
}

// Tiers 已配置的层级（固定顺序）
func (a *Aggregator) Tiers() []models.Tier {
	out := make([]models.Tier, 0, len(a.plans))
	for _, tier := range models.AllTiers() {
		if _, ok := a.plans[tier]; ok {
			out = append(out, tier)
		}
	}
	return out
}

// RefreshAll 并发查询全部层级并合并
func (a *Aggregator) RefreshAll(ctx context.Context, confidenceMin float64, limitPerTier int) (*RefreshResponse, error) {
	return a.refresh(ctx, a.Tiers(), confidenceMin, limitPerTier)
}

// Snapshot 会话补齐快照（指定层级的 RefreshAll）
func (a *Aggregator) Snapshot(ctx context.Context, tiers []models.Tier, confidenceMin float64, limit int) (interface{}, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(tiers) == 0 {
		tiers = a.Tiers()
	}
	return a.refresh(ctx, tiers, confidenceMin, limit)
}

// refresh 相同参数的并发请求合并为一次查询
func (a *Aggregator) refresh(ctx context.Context, tiers []models.Tier, confidenceMin float64, limit int) (*RefreshResponse, error) {
	if err := validateParams(confidenceMin, limit); err != nil {
		return nil, err
	}
	for _, tier := range tiers {
		if _, ok := a.plans[tier]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
		}
	}

	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	key := fmt.Sprintf("%s|%g|%d", strings.Join(names, ","), confidenceMin, limit)

	// 合并后的查询不随单个调用方取消，只受外层超时约束
	base := context.WithoutCancel(ctx)
	v, err, shared := a.group.Do(key, func() (interface{}, error) {
		return a.fanOut(base, tiers, confidenceMin, limit), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.logger.Debug("Coalesced concurrent refresh", zap.String("key", key))
	}
	return v.(*RefreshResponse), nil
}

func (a *Aggregator) fanOut(ctx context.Context, tiers []models.Tier, confidenceMin float64, limit int) *RefreshResponse {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.outerTimeout)
	defer cancel()

	results := make(chan *TierResult, len(tiers))
	for _, tier := range tiers {
		go func(plan TierPlan) {
			results <- a.runTier(ctx, plan, confidenceMin, limit)
		}(a.plans[tier])
	}

	resp := &RefreshResponse{
		Tiers: make(map[models.Tier]*TierResult, len(tiers)),
		Metadata: RefreshMetadata{
			ConfidenceMin: confidenceMin,
			LimitPerTier:  limit,
			TierCount:     len(tiers),
		},
	}

collect:
	for len(resp.Tiers) < len(tiers) {
		select {
		case r := <-results:
			resp.Tiers[r.Tier] = r
		case <-ctx.Done():
			break collect
		}
	}

	// 外层超时后仍未返回的层级填充超时标记
	now := a.now()
	for _, tier := range tiers {
		if _, ok := resp.Tiers[tier]; ok {
			continue
		}
		plan := a.plans[tier]
		r := &TierResult{
			Tier:           tier,
			Patterns:       []*models.DetectionEvent{},
			Status:         StatusTimeout,
			Error:          ErrTierTimeout.Error(),
			Source:         plan.Source.Name(),
			WindowStart:    plan.Window.Start(now),
			ResponseTimeMs: millis(time.Since(start)),
			err:            ErrTierTimeout,
		}
		resp.Tiers[tier] = r
	}

	for _, r := range resp.Tiers {
		if r.Status == StatusTimeout || r.Status == StatusError {
			resp.Metadata.FailedTiers++
		}
	}
	resp.Metadata.ResponseTimeMs = millis(time.Since(start))
	resp.Metadata.GeneratedAt = now.UTC()

	if resp.Metadata.FailedTiers > 0 {
		a.logger.Warn("Refresh completed with failed tiers",
			zap.Int("failed", resp.Metadata.FailedTiers),
			zap.Int("tiers", len(tiers)),
			zap.Float64("response_time_ms", resp.Metadata.ResponseTimeMs),
		)
	}
	return resp
}

// RefreshTier 单层级查询；失败时同时返回结果和原因，便于调用方映射状态码
func (a *Aggregator) RefreshTier(ctx context.Context, tier models.Tier, confidenceMin float64, limit int) (*TierResult, error) {
	if err := validateParams(confidenceMin, limit); err != nil {
		return nil, err
	}
	plan, ok := a.plans[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	r := a.runTier(ctx, plan, confidenceMin, limit)
	return r, r.err
}

// runTier 执行单个层级查询
// 数据源不响应取消时查询协程被放弃，结果在超时后直接返回
func (a *Aggregator) runTier(ctx context.Context, plan TierPlan, confidenceMin float64, limit int) *TierResult {
	timer := metrics.NewTimer()
	now := a.now()
	r := &TierResult{
		Tier:        plan.Tier,
		Patterns:    []*models.DetectionEvent{},
		Source:      plan.Source.Name(),
		WindowStart: plan.Window.Start(now),
	}

	if !plan.Enabled {
		r.Status = StatusDisabled
		metrics.TierQueryOutcomes.WithLabelValues(string(plan.Tier), StatusDisabled).Inc()
		return r
	}

	tctx, cancel := context.WithTimeout(ctx, plan.Timeout)
	defer cancel()

	type outcome struct {
		events []*models.DetectionEvent
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		events, err := plan.Source.Query(tctx, plan.Tier, r.WindowStart, confidenceMin, limit)
		done <- outcome{events: events, err: err}
	}()

	var err error
	select {
	case o := <-done:
		if o.err == nil {
			r.Patterns = nonNil(o.events)
		}
		err = o.err
		// 驱动把自身的超时取消包装成其它错误（如 pq 57014）时仍按超时处理
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err = tctx.Err()
		}
	case <-tctx.Done():
		err = tctx.Err()
	}

	elapsed := timer.ObserveDuration(metrics.TierQueryDuration.WithLabelValues(string(plan.Tier), r.Source))
	r.ResponseTimeMs = millis(elapsed)

	switch {
	case err == nil:
		r.Status = StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		r.Status = StatusTimeout
		r.err = ErrTierTimeout
		r.Error = ErrTierTimeout.Error()
		a.logger.Debug("Tier query timed out",
			zap.String("tier", string(plan.Tier)),
			zap.String("source", r.Source),
			zap.Duration("timeout", plan.Timeout),
		)
	default:
		r.Status = StatusError
		r.err = err
		r.Error = err.Error()
		a.logger.Warn("Tier query failed",
			zap.String("tier", string(plan.Tier)),
			zap.String("source", r.Source),
			zap.Error(err),
		)
	}
	r.Count = len(r.Patterns)
	metrics.TierQueryOutcomes.WithLabelValues(string(plan.Tier), r.Status).Inc()
	return r
}

func validateParams(confidenceMin float64, limit int) error {
	if math.IsNaN(confidenceMin) || confidenceMin < 0 || confidenceMin > 1 {
		return fmt.Errorf("%w: confidence_min must be within [0, 1]", ErrInvalidParameter)
	}
	if limit <= 0 || limit > MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidParameter, MaxLimit)
	}
	return nil
}

func nonNil(events []*models.DetectionEvent) []*models.DetectionEvent {
	if events == nil {
		return []*models.DetectionEvent{}
	}
	return events
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
