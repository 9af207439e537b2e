package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickstock-stream/internal/aggregator"
	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/config"
	"tickstock-stream/internal/models"
	"tickstock-stream/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingSource struct {
	err error
}

func (f failingSource) Name() string { return "store" }

func (f failingSource) Query(ctx context.Context, tier models.Tier, since time.Time, confidenceMin float64, limit int) ([]*models.DetectionEvent, error) {
	return nil, f.err
}

func newEvent(flowID, symbol string, tier models.Tier, conf float64, detectedAt time.Time) *models.DetectionEvent {
	return &models.DetectionEvent{
		FlowID:     flowID,
		Symbol:     symbol,
		Pattern:    "Hammer",
		Tier:       tier,
		Confidence: conf,
		DetectedAt: detectedAt,
	}
}

// newPatternAggregator intraday/hourly 走缓存，daily 走一个不可用的数据库
func newPatternAggregator(t *testing.T) (*aggregator.Aggregator, *cache.TieredCache) {
	t.Helper()
	c := cache.NewTieredCache(nil, 100, zap.NewNop())
	now := time.Now().UTC()
	require.NoError(t, c.Insert(newEvent("f-1", "AAPL", models.TierIntraday, 0.92, now.Add(-time.Minute))))
	require.NoError(t, c.Insert(newEvent("f-2", "MSFT", models.TierIntraday, 0.55, now.Add(-2*time.Minute))))

	cacheSrc := aggregator.NewCacheSource(c)
	store := failingSource{err: fmt.Errorf("query detection events: %w", repository.ErrStoreUnavailable)}
	window := config.Window{Type: config.WindowRolling, Duration: time.Hour}

	a := aggregator.New([]aggregator.TierPlan{
		{Tier: models.TierIntraday, Source: cacheSrc, Window: window, Timeout: 100 * time.Millisecond, Enabled: true},
		{Tier: models.TierHourly, Source: cacheSrc, Window: window, Timeout: 100 * time.Millisecond, Enabled: true},
		{Tier: models.TierDaily, Source: store, Window: config.Window{Type: config.WindowCalendar, Align: config.AlignDay}, Timeout: 100 * time.Millisecond, Enabled: true},
	}, time.Second, zap.NewNop())
	return a, c
}

func newPatternRouter(t *testing.T) *Router {
	a, _ := newPatternAggregator(t)
	r := NewRouter(zap.NewNop())
	r.RegisterPatternRoutes(NewPatternHandler(a, zap.NewNop()))
	return r
}

func doGet(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGetTier_OK(t *testing.T) {
	r := newPatternRouter(t)

	rr := doGet(r, "/patterns/Intraday?confidence_min=0.5&limit=10")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp tierResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Patterns, 2)
	assert.Equal(t, "f-1", resp.Patterns[0].FlowID, "confidence descending")
	assert.Equal(t, 2, resp.Metadata.Count)
	assert.Equal(t, models.TierIntraday, resp.Metadata.Tier)
	assert.Equal(t, 0.5, resp.Metadata.ConfidenceMin)
	assert.Equal(t, aggregator.StatusOK, resp.Metadata.Status)
}

func TestGetTier_EmptyTierReturnsEmptyArray(t *testing.T) {
	r := newPatternRouter(t)

	rr := doGet(r, "/patterns/hourly")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"patterns":[]`)
}

func TestGetTier_Errors(t *testing.T) {
	r := newPatternRouter(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unknown tier", "/patterns/yearly", http.StatusBadRequest},
		{"unconfigured tier", "/patterns/combo", http.StatusBadRequest},
		{"zero limit", "/patterns/intraday?limit=0", http.StatusBadRequest},
		{"limit above max", "/patterns/intraday?limit=1001", http.StatusBadRequest},
		{"non-numeric limit", "/patterns/intraday?limit=abc", http.StatusBadRequest},
		{"confidence out of range", "/patterns/intraday?confidence_min=1.5", http.StatusBadRequest},
		{"confidence NaN", "/patterns/intraday?confidence_min=NaN", http.StatusBadRequest},
		{"confidence Inf", "/patterns/intraday?confidence_min=-Inf", http.StatusBadRequest},
		{"store unavailable", "/patterns/daily", http.StatusServiceUnavailable},
		{"nested path", "/patterns/intraday/extra", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doGet(r, tt.target)
			assert.Equal(t, tt.status, rr.Code)
			if tt.status != http.StatusNotFound {
				var body errorBody
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
				assert.NotEmpty(t, body.Error)
			}
		})
	}
}

func TestPatternRoutes_MethodNotAllowed(t *testing.T) {
	r := newPatternRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/patterns/intraday", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestScan_AllWithPartialFailure(t *testing.T) {
	r := newPatternRouter(t)

	rr := doGet(r, "/patterns/scan?timeframe=ALL&sort_by=symbol&sort_order=desc&limit=5")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp aggregator.ScanResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Patterns, 2)
	assert.Equal(t, "MSFT", resp.Patterns[0].Symbol)
	assert.Equal(t, "all", resp.Metadata.Timeframe)
	assert.Equal(t, aggregator.StatusError, resp.Metadata.TierStatus[models.TierDaily])
	assert.Equal(t, aggregator.StatusOK, resp.Metadata.TierStatus[models.TierIntraday])
}

func TestScan_Errors(t *testing.T) {
	r := newPatternRouter(t)

	assert.Equal(t, http.StatusBadRequest, doGet(r, "/patterns/scan?sort_by=volume").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(r, "/patterns/scan?timeframe=Yearly").Code)
	assert.Equal(t, http.StatusServiceUnavailable, doGet(r, "/patterns/scan?timeframe=Daily").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(r, "/patterns/scan?timeframe=All&confidence_min=NaN").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(r, "/patterns/scan?timeframe=All&limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(r, "/patterns/scan?timeframe=All&limit=-5").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(r, "/patterns/refresh?confidence_min=NaN").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(r, "/patterns/refresh?limit=0").Code)

	// 缺省 limit 仍使用默认值
	assert.Equal(t, http.StatusOK, doGet(r, "/patterns/scan?timeframe=Intraday").Code)
}

func TestRefresh_FullEnvelope(t *testing.T) {
	r := newPatternRouter(t)

	rr := doGet(r, "/patterns/refresh?confidence_min=0.6&limit=10")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp aggregator.RefreshResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Tiers, 3)
	assert.Equal(t, 1, resp.Tiers[models.TierIntraday].Count)
	assert.Equal(t, aggregator.StatusError, resp.Tiers[models.TierDaily].Status)
	assert.Equal(t, 1, resp.Metadata.FailedTiers)
	assert.Equal(t, 10, resp.Metadata.LimitPerTier)
}
