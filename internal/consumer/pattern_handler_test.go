package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedCheckpoint struct {
	flowID     string
	checkpoint models.Checkpoint
	meta       models.FlowMetadata
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedCheckpoint
}

func (f *fakeRecorder) Record(ctx context.Context, flowID string, cp models.Checkpoint, meta models.FlowMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedCheckpoint{flowID: flowID, checkpoint: cp, meta: meta})
	return nil
}

func (f *fakeRecorder) checkpoints(flowID string) []models.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Checkpoint
	for _, r := range f.records {
		if r.flowID == flowID {
			out = append(out, r.checkpoint)
		}
	}
	return out
}

func (f *fakeRecorder) byCheckpoint(cp models.Checkpoint) []recordedCheckpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCheckpoint
	for _, r := range f.records {
		if r.checkpoint == cp {
			out = append(out, r)
		}
	}
	return out
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) OnNewEvent(ctx context.Context, e *models.DetectionEvent, channel string) {
	m.Called(ctx, e, channel)
}

type countingObserver struct {
	mu    sync.Mutex
	count int
}

func (c *countingObserver) EventProcessed(at time.Time) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

type handlerFixture struct {
	handler    *PatternHandler
	cache      *cache.TieredCache
	recorder   *fakeRecorder
	dispatcher *mockDispatcher
	observer   *countingObserver
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	c := cache.NewTieredCache(nil, 100, zap.NewNop())
	rec := &fakeRecorder{}
	disp := &mockDispatcher{}
	obs := &countingObserver{}
	h := NewPatternHandler(PatternHandlerConfig{
		ChannelTiers: map[string]models.Tier{"patterns.daily": models.TierDaily},
		DefaultTier:  models.TierHourly,
		TTLs:         map[models.Tier]time.Duration{models.TierIntraday: time.Hour},
	}, c, rec, disp, obs, zap.NewNop())
	return &handlerFixture{handler: h, cache: c, recorder: rec, dispatcher: disp, observer: obs}
}

// validMessage 以当前时间为 timestamp（整数秒，避免与置信度替换冲突）
func validMessage() string {
	return fmt.Sprintf(`{
	"event_type": "pattern_detected",
	"source": "pattern-engine",
	"timestamp": %d,
	"data": {
		"symbol": "AAPL",
		"pattern": "Doji",
		"confidence": 0.85,
		"flow_id": "abc-123",
		"tier": "intraday",
		"volume_ratio": 1.7
	}
}`, time.Now().Unix())
}

func TestOnMessage_ValidDetection(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.dispatcher.On("OnNewEvent", mock.Anything, mock.MatchedBy(func(e *models.DetectionEvent) bool {
		return e.FlowID == "abc-123"
	}), "patterns").Once()

	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(validMessage()), "patterns"))

	assert.Equal(t, []models.Checkpoint{
		models.CheckpointReceived, models.CheckpointParsed, models.CheckpointCached,
	}, fx.recorder.checkpoints("abc-123"))

	events, err := fx.cache.Query(models.TierIntraday, cache.Query{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "AAPL", e.Symbol)
	assert.Equal(t, 0.85, e.Confidence)
	assert.Equal(t, "pattern-engine", e.Source)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, time.Hour, e.ExpiresAt.Sub(e.DetectedAt))
	assert.Contains(t, e.Payload, "volume_ratio")

	assert.Equal(t, 1, fx.observer.count)
	fx.dispatcher.AssertExpectations(t)
}

func TestOnMessage_MissingFlowID(t *testing.T) {
	fx := newHandlerFixture(t)
	msg := strings.Replace(validMessage(), `"flow_id": "abc-123",`, "", 1)

	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(msg), "patterns"))

	rejected := fx.recorder.byCheckpoint(models.CheckpointRejected)
	require.Len(t, rejected, 1)
	assert.True(t, strings.HasPrefix(rejected[0].flowID, "rejected-"))
	assert.Equal(t, models.ReasonMissing, rejected[0].meta.Context["reason"])
	assert.Equal(t, "flow_id", rejected[0].meta.Context["field"])
	assert.Equal(t, "AAPL", rejected[0].meta.Symbol)

	assert.Empty(t, fx.recorder.byCheckpoint(models.CheckpointCached))
	assert.Empty(t, fx.recorder.byCheckpoint(models.CheckpointDelivered))
	for _, tier := range models.AllTiers() {
		assert.Equal(t, 0, fx.cache.Len(tier))
	}
	fx.dispatcher.AssertNotCalled(t, "OnNewEvent", mock.Anything, mock.Anything, mock.Anything)
}

func TestOnMessage_RejectionReasons(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		reason string
	}{
		{"malformed json", `{"event_type":`, models.ReasonMalformed},
		{"confidence above range", strings.Replace(validMessage(), "0.85", "1.0001", 1), models.ReasonOutOfRange},
		{"confidence below range", strings.Replace(validMessage(), "0.85", "-0.0001", 1), models.ReasonOutOfRange},
		{"legacy pattern field", strings.Replace(validMessage(), `"pattern":`, `"pattern_name":`, 1), models.ReasonLegacyField},
		{"unknown tier hint", strings.Replace(validMessage(), `"intraday"`, `"yearly"`, 1), models.ReasonUnknownTier},
		{"expires before detection", strings.Replace(validMessage(), `"volume_ratio": 1.7`, `"expires_at": 1000`, 1), models.ReasonBeforeDetection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newHandlerFixture(t)
			require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(tt.msg), "patterns"))

			rejected := fx.recorder.byCheckpoint(models.CheckpointRejected)
			require.Len(t, rejected, 1)
			assert.Equal(t, tt.reason, rejected[0].meta.Context["reason"])
			assert.Equal(t, 0, fx.cache.Len(models.TierIntraday))
		})
	}
}

func TestOnMessage_ConfidenceBoundariesAccepted(t *testing.T) {
	for _, conf := range []string{"0.0", "1.0", "0"} {
		fx := newHandlerFixture(t)
		fx.dispatcher.On("OnNewEvent", mock.Anything, mock.Anything, mock.Anything)

		msg := strings.Replace(validMessage(), "0.85", conf, 1)
		require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(msg), "patterns"))
		assert.Equal(t, 1, fx.cache.Len(models.TierIntraday), "confidence %s", conf)
	}
}

func TestOnMessage_IgnoresOtherEventTypes(t *testing.T) {
	fx := newHandlerFixture(t)
	msg := strings.Replace(validMessage(), "pattern_detected", "backtest_finished", 1)

	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(msg), "patterns"))
	assert.Empty(t, fx.recorder.records)
	fx.dispatcher.AssertNotCalled(t, "OnNewEvent", mock.Anything, mock.Anything, mock.Anything)
}

func TestOnMessage_DuplicateFlowDropped(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.dispatcher.On("OnNewEvent", mock.Anything, mock.Anything, mock.Anything).Once()

	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(validMessage()), "patterns"))
	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(validMessage()), "patterns"))

	assert.Len(t, fx.recorder.byCheckpoint(models.CheckpointCached), 1)
	assert.Equal(t, 1, fx.cache.Len(models.TierIntraday))
	fx.dispatcher.AssertNumberOfCalls(t, "OnNewEvent", 1)
}

func TestOnMessage_TierResolution(t *testing.T) {
	noHint := strings.Replace(validMessage(), `"tier": "intraday",`, "", 1)

	fx := newHandlerFixture(t)
	fx.dispatcher.On("OnNewEvent", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(noHint), "patterns.daily"))
	assert.Equal(t, 1, fx.cache.Len(models.TierDaily), "channel mapping")

	other := strings.Replace(noHint, "abc-123", "abc-456", 1)
	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(other), "patterns"))
	assert.Equal(t, 1, fx.cache.Len(models.TierHourly), "default tier")

	upper := strings.Replace(strings.Replace(validMessage(), `"intraday"`, `"Weekly"`, 1), "abc-123", "abc-789", 1)
	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(upper), "patterns"))
	assert.Equal(t, 1, fx.cache.Len(models.TierWeekly), "hint is case-insensitive")
}

func TestOnMessage_DetectedAtOverride(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.dispatcher.On("OnNewEvent", mock.Anything, mock.Anything, mock.Anything)

	detected := time.Now().Add(-10 * time.Minute).Unix()
	msg := strings.Replace(validMessage(), `"volume_ratio": 1.7`, fmt.Sprintf(`"detected_at": %d`, detected), 1)
	require.NoError(t, fx.handler.OnMessage(context.Background(), []byte(msg), "patterns"))

	events, err := fx.cache.Query(models.TierIntraday, cache.Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, time.Unix(detected, 0).UTC(), events[0].DetectedAt)
}
