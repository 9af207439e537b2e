package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/config"
	"tickstock-stream/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSource 可注入错误和阻塞的数据源；block 非 nil 时忽略 ctx 一直阻塞
type fakeSource struct {
	name   string
	events map[models.Tier][]*models.DetectionEvent
	err    error
	block  chan struct{}
	delay  time.Duration

	calls atomic.Int32
	mu    sync.Mutex
	since map[models.Tier]time.Time
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{
		name:   name,
		events: make(map[models.Tier][]*models.DetectionEvent),
		since:  make(map[models.Tier]time.Time),
	}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Query(ctx context.Context, tier models.Tier, since time.Time, confidenceMin float64, limit int) ([]*models.DetectionEvent, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.since[tier] = since
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.DetectionEvent
	for _, e := range f.events[tier] {
		if e.Confidence >= confidenceMin && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) sinceFor(tier models.Tier) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since[tier]
}

func event(flowID, symbol string, tier models.Tier, conf float64, detectedAt time.Time) *models.DetectionEvent {
	return &models.DetectionEvent{
		FlowID:     flowID,
		Symbol:     symbol,
		Pattern:    "Doji",
		Tier:       tier,
		Confidence: conf,
		DetectedAt: detectedAt,
	}
}

func rolling(d time.Duration) config.Window {
	return config.Window{Type: config.WindowRolling, Duration: d}
}

func plan(tier models.Tier, src TierSource, timeout time.Duration) TierPlan {
	return TierPlan{Tier: tier, Source: src, Window: rolling(time.Hour), Timeout: timeout, Enabled: true}
}

// hung 返回一个阻塞的数据源，测试结束时释放
func hung(t *testing.T, name string) *fakeSource {
	src := newFakeSource(name)
	src.block = make(chan struct{})
	t.Cleanup(func() { close(src.block) })
	return src
}

func populated() *fakeSource {
	src := newFakeSource("cache")
	now := time.Now().UTC()
	src.events[models.TierIntraday] = []*models.DetectionEvent{
		event("i-1", "AAPL", models.TierIntraday, 0.9, now),
		event("i-2", "MSFT", models.TierIntraday, 0.6, now),
	}
	src.events[models.TierHourly] = []*models.DetectionEvent{
		event("h-1", "TSLA", models.TierHourly, 0.8, now),
	}
	return src
}

func TestRefreshAll_HungTierBoundedByOuterTimeout(t *testing.T) {
	cacheSrc := populated()
	store := hung(t, "store")

	a := New([]TierPlan{
		plan(models.TierIntraday, cacheSrc, 100*time.Millisecond),
		plan(models.TierHourly, cacheSrc, 100*time.Millisecond),
		plan(models.TierDaily, store, 5*time.Second),
	}, time.Second, zap.NewNop())

	start := time.Now()
	resp, err := a.RefreshAll(context.Background(), 0, 10)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 1500*time.Millisecond)

	daily := resp.Tiers[models.TierDaily]
	require.NotNil(t, daily)
	assert.Equal(t, StatusTimeout, daily.Status)
	assert.Empty(t, daily.Patterns)
	assert.NotEmpty(t, daily.Error)

	assert.Equal(t, StatusOK, resp.Tiers[models.TierIntraday].Status)
	assert.Equal(t, 2, resp.Tiers[models.TierIntraday].Count)
	assert.Equal(t, StatusOK, resp.Tiers[models.TierHourly].Status)
	assert.Equal(t, 1, resp.Tiers[models.TierHourly].Count)
	assert.Equal(t, 1, resp.Metadata.FailedTiers)
	assert.Equal(t, 3, resp.Metadata.TierCount)
}

func TestRefreshAll_PerTierTimeoutReturnsEarly(t *testing.T) {
	cacheSrc := populated()
	store := hung(t, "store")

	a := New([]TierPlan{
		plan(models.TierIntraday, cacheSrc, 100*time.Millisecond),
		plan(models.TierWeekly, store, 50*time.Millisecond),
	}, time.Second, zap.NewNop())

	start := time.Now()
	resp, err := a.RefreshAll(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StatusTimeout, resp.Tiers[models.TierWeekly].Status)
	assert.Equal(t, StatusOK, resp.Tiers[models.TierIntraday].Status)
}

func TestRefreshAll_ErrorIsolated(t *testing.T) {
	cacheSrc := populated()
	store := newFakeSource("store")
	store.err = fmt.Errorf("query daily: %w", ErrStoreUnavailable)

	a := New([]TierPlan{
		plan(models.TierIntraday, cacheSrc, 100*time.Millisecond),
		plan(models.TierDaily, store, 100*time.Millisecond),
	}, time.Second, zap.NewNop())

	resp, err := a.RefreshAll(context.Background(), 0, 10)
	require.NoError(t, err)

	daily := resp.Tiers[models.TierDaily]
	assert.Equal(t, StatusError, daily.Status)
	assert.ErrorIs(t, daily.Err(), ErrStoreUnavailable)
	assert.Equal(t, []*models.DetectionEvent{}, daily.Patterns)
	assert.Equal(t, 2, resp.Tiers[models.TierIntraday].Count)
}

func TestRefreshAll_DisabledTierShortCircuits(t *testing.T) {
	src := populated()
	p := plan(models.TierHourly, src, 100*time.Millisecond)
	p.Enabled = false

	a := New([]TierPlan{plan(models.TierIntraday, src, 100*time.Millisecond), p}, time.Second, zap.NewNop())
	resp, err := a.RefreshAll(context.Background(), 0, 10)
	require.NoError(t, err)

	assert.Equal(t, StatusDisabled, resp.Tiers[models.TierHourly].Status)
	assert.Zero(t, resp.Tiers[models.TierHourly].Count)
	assert.Equal(t, int32(1), src.calls.Load(), "disabled tier never queries its source")
	assert.Zero(t, resp.Metadata.FailedTiers)
}

func TestRefreshAll_AppliesTierWindows(t *testing.T) {
	src := newFakeSource("cache")
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC) // 周四

	a := New([]TierPlan{
		{Tier: models.TierIntraday, Source: src, Window: rolling(30 * time.Minute), Timeout: time.Second, Enabled: true},
		{Tier: models.TierWeekly, Source: src, Window: config.Window{Type: config.WindowCalendar, Align: config.AlignWeek}, Timeout: time.Second, Enabled: true},
		{Tier: models.TierMonthly, Source: src, Window: config.Window{Type: config.WindowCalendar, Align: config.AlignMonth}, Timeout: time.Second, Enabled: true},
	}, time.Second, zap.NewNop())
	a.now = func() time.Time { return now }

	resp, err := a.RefreshAll(context.Background(), 0.5, 10)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-30*time.Minute), src.sinceFor(models.TierIntraday))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), src.sinceFor(models.TierWeekly))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), src.sinceFor(models.TierMonthly))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), resp.Tiers[models.TierWeekly].WindowStart)
}

func TestRefreshAll_Validation(t *testing.T) {
	a := New([]TierPlan{plan(models.TierIntraday, populated(), time.Second)}, time.Second, zap.NewNop())

	_, err := a.RefreshAll(context.Background(), 1.5, 10)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = a.RefreshAll(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = a.RefreshAll(context.Background(), 0, MaxLimit+1)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = a.RefreshAll(context.Background(), math.NaN(), 10)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = a.RefreshTier(context.Background(), models.TierIntraday, math.NaN(), 10)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestRefreshAll_CoalescesConcurrentCalls(t *testing.T) {
	src := newFakeSource("cache")
	src.delay = 200 * time.Millisecond

	a := New([]TierPlan{plan(models.TierIntraday, src, time.Second)}, time.Second, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := a.RefreshAll(context.Background(), 0.5, 20)
			assert.NoError(t, err)
			assert.Equal(t, StatusOK, resp.Tiers[models.TierIntraday].Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRefreshTier(t *testing.T) {
	cacheSrc := populated()
	store := newFakeSource("store")
	store.err = fmt.Errorf("query: %w", ErrStoreUnavailable)

	a := New([]TierPlan{
		plan(models.TierIntraday, cacheSrc, 100*time.Millisecond),
		plan(models.TierDaily, store, 100*time.Millisecond),
	}, time.Second, zap.NewNop())

	r, err := a.RefreshTier(context.Background(), models.TierIntraday, 0.7, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count)
	assert.Equal(t, "i-1", r.Patterns[0].FlowID)
	assert.Equal(t, "cache", r.Source)
	assert.Equal(t, int32(1), cacheSrc.calls.Load(), "only the requested tier is queried")

	r, err = a.RefreshTier(context.Background(), models.TierDaily, 0, 10)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotNil(t, r)
	assert.Equal(t, StatusError, r.Status)

	_, err = a.RefreshTier(context.Background(), models.TierCombo, 0, 10)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestRefreshTier_EmptyTierIsNotAnError(t *testing.T) {
	a := New([]TierPlan{plan(models.TierIndicator, newFakeSource("cache"), time.Second)}, time.Second, zap.NewNop())

	r, err := a.RefreshTier(context.Background(), models.TierIndicator, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, r.Status)
	assert.NotNil(t, r.Patterns)
	assert.Zero(t, r.Count)
}

func TestCacheSource_WithTieredCache(t *testing.T) {
	c := cache.NewTieredCache(nil, 100, zap.NewNop())
	now := time.Now().UTC()
	require.NoError(t, c.Insert(event("old", "AAPL", models.TierIntraday, 0.99, now.Add(-2*time.Hour))))
	require.NoError(t, c.Insert(event("low", "AAPL", models.TierIntraday, 0.95, now.Add(-time.Minute))))
	require.NoError(t, c.Insert(event("high", "MSFT", models.TierIntraday, 0.97, now.Add(-2*time.Minute))))

	a := New([]TierPlan{{
		Tier: models.TierIntraday, Source: NewCacheSource(c), Window: rolling(30 * time.Minute),
		Timeout: 100 * time.Millisecond, Enabled: true,
	}}, time.Second, zap.NewNop())

	r, err := a.RefreshTier(context.Background(), models.TierIntraday, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, r.Patterns, 2, "events outside the rolling window are excluded")
	assert.Equal(t, "high", r.Patterns[0].FlowID)
	assert.Equal(t, "low", r.Patterns[1].FlowID)
}

func TestPlansFromConfig(t *testing.T) {
	cfg := &config.Config{Tiers: config.DefaultTiers(500)}
	cfg.Refresh.CacheTierTimeout = 100 * time.Millisecond
	cfg.Refresh.StoreTierTimeout = 500 * time.Millisecond

	cacheSrc, storeSrc := newFakeSource("cache"), newFakeSource("store")
	plans := PlansFromConfig(cfg, cacheSrc, storeSrc)
	require.Len(t, plans, len(models.AllTiers()))

	byTier := make(map[models.Tier]TierPlan)
	for _, p := range plans {
		byTier[p.Tier] = p
	}
	assert.Equal(t, "cache", byTier[models.TierIntraday].Source.Name())
	assert.Equal(t, 100*time.Millisecond, byTier[models.TierIntraday].Timeout)
	assert.Equal(t, "store", byTier[models.TierMonthly].Source.Name())
	assert.Equal(t, 500*time.Millisecond, byTier[models.TierMonthly].Timeout)
}

type fakeBroadcaster struct {
	sessions int
	mu       sync.Mutex
	pushed   []models.PushMessage
}

func (f *fakeBroadcaster) Count() int { return f.sessions }

func (f *fakeBroadcaster) Broadcast(msg models.PushMessage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, msg)
	return f.sessions
}

func (f *fakeBroadcaster) pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func TestRunPush(t *testing.T) {
	src := populated()
	a := New([]TierPlan{plan(models.TierIntraday, src, time.Second)}, time.Second, zap.NewNop())

	idle := &fakeBroadcaster{}
	ctx, cancel := context.WithCancel(context.Background())
	go a.RunPush(ctx, 10*time.Millisecond, idle, 0, 10)
	time.Sleep(60 * time.Millisecond)
	cancel()
	assert.Zero(t, idle.pushes())
	assert.Zero(t, src.calls.Load(), "no refresh without sessions")

	active := &fakeBroadcaster{sessions: 2}
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go a.RunPush(ctx, 10*time.Millisecond, active, 0, 10)

	require.Eventually(t, func() bool { return active.pushes() >= 1 }, time.Second, 5*time.Millisecond)
	active.mu.Lock()
	msg := active.pushed[0]
	active.mu.Unlock()
	assert.Equal(t, models.PushTypeRefresh, msg.Type)
	resp, ok := msg.Data.(*RefreshResponse)
	require.True(t, ok)
	assert.Equal(t, 2, resp.Tiers[models.TierIntraday].Count)
}

func TestSnapshot_RestrictsTiers(t *testing.T) {
	src := populated()
	a := New([]TierPlan{
		plan(models.TierIntraday, src, time.Second),
		plan(models.TierHourly, src, time.Second),
	}, time.Second, zap.NewNop())

	v, err := a.Snapshot(context.Background(), []models.Tier{models.TierHourly}, 0, 0)
	require.NoError(t, err)
	resp := v.(*RefreshResponse)
	assert.Len(t, resp.Tiers, 1)
	assert.Equal(t, DefaultLimit, resp.Metadata.LimitPerTier)
	assert.Contains(t, resp.Tiers, models.TierHourly)
}

// cancelledQuerySource 等待超时后返回驱动自己的取消错误（不包装 ctx.Err）
type cancelledQuerySource struct{}

func (cancelledQuerySource) Name() string { return "store" }

func (cancelledQuerySource) Query(ctx context.Context, tier models.Tier, since time.Time, confidenceMin float64, limit int) ([]*models.DetectionEvent, error) {
	<-ctx.Done()
	return nil, errors.New("pq: canceling statement due to user request")
}

func TestRefreshTier_DriverCancellationCountsAsTimeout(t *testing.T) {
	a := New([]TierPlan{plan(models.TierDaily, cancelledQuerySource{}, 50*time.Millisecond)}, time.Second, zap.NewNop())

	r, err := a.RefreshTier(context.Background(), models.TierDaily, 0, 10)
	assert.ErrorIs(t, err, ErrTierTimeout)
	require.NotNil(t, r)
	assert.Equal(t, StatusTimeout, r.Status)
	assert.Empty(t, r.Patterns)
}
