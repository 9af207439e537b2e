package httpapi

import (
	"context"
	"math"
	"net/http"
	"time"

	"tickstock-stream/internal/aggregator"
	"tickstock-stream/internal/models"

	"go.uber.org/zap"
)

// PatternService 拉取接口依赖（aggregator.Aggregator 实现）
type PatternService interface {
	RefreshTier(ctx context.Context, tier models.Tier, confidenceMin float64, limit int) (*aggregator.TierResult, error)
	RefreshAll(ctx context.Context, confidenceMin float64, limitPerTier int) (*aggregator.RefreshResponse, error)
	Scan(ctx context.Context, req aggregator.ScanRequest) (*aggregator.ScanResponse, error)
}

// PatternHandler /patterns/* 处理器
type PatternHandler struct {
	svc    PatternService
	logger *zap.Logger
}

func NewPatternHandler(svc PatternService, logger *zap.Logger) *PatternHandler {
	return &PatternHandler{svc: svc, logger: logger}
}

type tierMetadata struct {
	Count          int         `json:"count"`
	Tier           models.Tier `json:"tier"`
	ConfidenceMin  float64     `json:"confidence_min"`
	ResponseTimeMs float64     `json:"response_time_ms"`
	Status         string      `json:"status"`
	Source         string      `json:"source,omitempty"`
	WindowStart    time.Time   `json:"window_start"`
}

type tierResponse struct {
	Patterns []*models.DetectionEvent `json:"patterns"`
	Metadata tierMetadata             `json:"metadata"`
}

// GetTier GET /patterns/{tier}?confidence_min=&limit=
func (h *PatternHandler) GetTier(w http.ResponseWriter, r *http.Request, name string) {
	start := time.Now()

	tier, err := models.ParseTier(name)
	if err != nil {
		writeError(w, err)
		return
	}
	confidenceMin, limit, err := parseCommon(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.RefreshTier(r.Context(), tier, confidenceMin, limit)
	if err != nil {
		h.logger.Warn("Tier refresh failed",
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tierResponse{
		Patterns: res.Patterns,
		Metadata: tierMetadata{
			Count:          res.Count,
			Tier:           tier,
			ConfidenceMin:  confidenceMin,
			ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000,
			Status:         res.Status,
			Source:         res.Source,
			WindowStart:    res.WindowStart,
		},
	})
}

// Refresh GET /patterns/refresh?confidence_min=&limit=
func (h *PatternHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	confidenceMin, limit, err := parseCommon(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.svc.RefreshAll(r.Context(), confidenceMin, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Scan GET /patterns/scan?timeframe=&sort_by=&sort_order=&confidence_min=&limit=
func (h *PatternHandler) Scan(w http.ResponseWriter, r *http.Request) {
	confidenceMin, limit, err := parseCommon(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	resp, err := h.svc.Scan(r.Context(), aggregator.ScanRequest{
		Timeframe:     q.Get("timeframe"),
		SortBy:        q.Get("sort_by"),
		SortOrder:     q.Get("sort_order"),
		ConfidenceMin: confidenceMin,
		Limit:         limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseCommon(r *http.Request) (float64, int, error) {
	confidenceMin, err := parseFloatParam(r, "confidence_min", 0)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(confidenceMin) || confidenceMin < 0 || confidenceMin > 1 {
		return 0, 0, invalid("confidence_min must be within [0, 1]")
	}
	limit, err := parseIntParam(r, "limit", aggregator.DefaultLimit)
	if err != nil {
		return 0, 0, err
	}
	// 显式传入的 limit 必须在范围内；缺省时才使用默认值
	if limit <= 0 || limit > aggregator.MaxLimit {
		return 0, 0, invalid("limit must be between 1 and %d", aggregator.MaxLimit)
	}
	return confidenceMin, limit, nil
}
