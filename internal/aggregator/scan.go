package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tickstock-stream/internal/models"
)

// 排序字段
const (
	SortByConfidence = "confidence"
	SortByDetectedAt = "detected_at"
	SortBySymbol     = "symbol"
)

// ScanRequest /patterns/scan 请求
type ScanRequest struct {
	Timeframe     string // All 或层级名，大小写不敏感
	SortBy        string
	SortOrder     string // asc | desc
	ConfidenceMin float64
	Limit         int
}

// ScanMetadata scan 响应元信息
type ScanMetadata struct {
	Count          int                    `json:"count"`
	Timeframe      string                 `json:"timeframe"`
	SortBy         string                 `json:"sort_by"`
	SortOrder      string                 `json:"sort_order"`
	ConfidenceMin  float64                `json:"confidence_min"`
	TierStatus     map[models.Tier]string `json:"tier_status"`
	ResponseTimeMs float64                `json:"response_time_ms"`
}

// ScanResponse /patterns/scan 响应
type ScanResponse struct {
	Patterns []*models.DetectionEvent `json:"patterns"`
	Metadata ScanMetadata             `json:"metadata"`
}

// normalize 填充默认值并校验
func (req *ScanRequest) normalize() error {
	if req.SortBy == "" {
		req.SortBy = SortByConfidence
	}
	req.SortBy = strings.ToLower(req.SortBy)
	switch req.SortBy {
	case SortByConfidence, SortByDetectedAt, SortBySymbol:
	default:
		return fmt.Errorf("%w: unknown sort_by %q", ErrInvalidParameter, req.SortBy)
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}
	req.SortOrder = strings.ToLower(req.SortOrder)
	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return fmt.Errorf("%w: sort_order must be asc or desc", ErrInvalidParameter)
	}

	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	return validateParams(req.ConfidenceMin, req.Limit)
}

// Scan 按 timeframe 选择层级，合并后统一排序并截断
// timeframe=All 走 RefreshAll（部分失败仍返回其它层级）；单层级失败则返回错误
func (a *Aggregator) Scan(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	start := time.Now()
	if err := req.normalize(); err != nil {
		return nil, err
	}

	resp := &ScanResponse{
		Metadata: ScanMetadata{
			SortBy:        req.SortBy,
			SortOrder:     req.SortOrder,
			ConfidenceMin: req.ConfidenceMin,
			TierStatus:    make(map[models.Tier]string),
		},
	}

	var merged []*models.DetectionEvent
	if req.Timeframe == "" || strings.EqualFold(strings.TrimSpace(req.Timeframe), models.TimeframeAll) {
		resp.Metadata.Timeframe = models.TimeframeAll
		all, err := a.RefreshAll(ctx, req.ConfidenceMin, req.Limit)
		if err != nil {
			return nil, err
		}
		for tier, r := range all.Tiers {
			resp.Metadata.TierStatus[tier] = r.Status
			merged = append(merged, r.Patterns...)
		}
	} else {
		tier, err := models.ParseTier(req.Timeframe)
		if err != nil {
			return nil, err
		}
		resp.Metadata.Timeframe = string(tier)
		r, err := a.RefreshTier(ctx, tier, req.ConfidenceMin, req.Limit)
		if err != nil {
			return nil, err
		}
		resp.Metadata.TierStatus[tier] = r.Status
		merged = r.Patterns
	}

	SortPatterns(merged, req.SortBy, req.SortOrder == "asc")
	if len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	if merged == nil {
		merged = []*models.DetectionEvent{}
	}

	resp.Patterns = merged
	resp.Metadata.Count = len(merged)
	resp.Metadata.ResponseTimeMs = millis(time.Since(start))
	return resp, nil
}

// SortPatterns 按字段排序；同值时依次按置信度、检测时间、flow_id 降序保证稳定输出
func SortPatterns(events []*models.DetectionEvent, sortBy string, asc bool) {
	primary := func(a, b *models.DetectionEvent) int {
		switch sortBy {
		case SortByDetectedAt:
			return a.DetectedAt.Compare(b.DetectedAt)
		case SortBySymbol:
			return strings.Compare(a.Symbol, b.Symbol)
		default:
			return compareFloat(a.Confidence, b.Confidence)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if c := primary(a, b); c != 0 {
			if asc {
				return c < 0
			}
			return c > 0
		}
		if c := compareFloat(a.Confidence, b.Confidence); c != 0 {
			return c > 0
		}
		if c := a.DetectedAt.Compare(b.DetectedAt); c != 0 {
			return c > 0
		}
		return a.FlowID > b.FlowID
	})
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
