package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickstock-stream/internal/bus"
	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/metrics"
	"tickstock-stream/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventCache 事件缓存（cache.TieredCache 实现）
type EventCache interface {
	Insert(e *models.DetectionEvent) error
}

// FlowRecorder 审计记录（flow.Recorder 实现）
type FlowRecorder interface {
	Record(ctx context.Context, flowID string, checkpoint models.Checkpoint, meta models.FlowMetadata) error
}

// Dispatcher 推送分发（broadcast.Dispatcher 实现）
type Dispatcher interface {
	OnNewEvent(ctx context.Context, e *models.DetectionEvent, channel string)
}

// EventObserver 事件处理计数（heartbeat.Monitor 实现）
type EventObserver interface {
	EventProcessed(at time.Time)
}

// PatternHandlerConfig 层级解析配置
type PatternHandlerConfig struct {
	ChannelTiers map[string]models.Tier
	DefaultTier  models.Tier
	TTLs         map[models.Tier]time.Duration
}

// PatternHandler 检测事件处理：校验 → 审计 → 缓存 → 推送
type PatternHandler struct {
	cfg        PatternHandlerConfig
	cache      EventCache
	recorder   FlowRecorder
	dispatcher Dispatcher
	observer   EventObserver // 可为 nil
	logger     *zap.Logger
	now        func() time.Time
}

// NewPatternHandler 创建处理器
func NewPatternHandler(
	cfg PatternHandlerConfig,
	eventCache EventCache,
	recorder FlowRecorder,
	dispatcher Dispatcher,
	observer EventObserver,
	logger *zap.Logger,
) *PatternHandler {
	if !cfg.DefaultTier.Valid() {
		cfg.DefaultTier = models.TierIntraday
	}
	return &PatternHandler{
		cfg:        cfg,
		cache:      eventCache,
		recorder:   recorder,
		dispatcher: dispatcher,
		observer:   observer,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle 作为 Subscriber 的 Handler 注册
func (h *PatternHandler) Handle(ctx context.Context, msg *bus.Message) error {
	return h.OnMessage(ctx, msg.Payload, msg.Channel)
}

// OnMessage 处理一条原始总线消息
// 校验失败的消息写入 REJECTED 审计后丢弃，从不重试
func (h *PatternHandler) OnMessage(ctx context.Context, raw []byte, channel string) error {
	env, err := models.DecodeEnvelope(raw)
	if err != nil {
		h.reject(ctx, channel, env, err)
		return nil
	}

	if !env.IsDetection() {
		metrics.MessagesIgnored.WithLabelValues(env.EventType).Inc()
		h.logger.Debug("Ignoring non-detection event",
			zap.String("event_type", env.EventType),
			zap.String("channel", channel),
		)
		return nil
	}

	data, err := env.ParseDetection()
	if err != nil {
		h.reject(ctx, channel, env, err)
		return nil
	}

	event, err := h.buildEvent(env, data, channel)
	if err != nil {
		h.reject(ctx, channel, env, err)
		return nil
	}

	meta := models.MetadataFor(event, channel)
	_ = h.recorder.Record(ctx, event.FlowID, models.CheckpointReceived, meta)
	_ = h.recorder.Record(ctx, event.FlowID, models.CheckpointParsed, meta)

	if err := h.cache.Insert(event); err != nil {
		if errors.Is(err, cache.ErrDuplicateFlow) {
			metrics.MessagesRejected.WithLabelValues("duplicate_flow").Inc()
			h.logger.Warn("Dropping event with duplicate flow id",
				zap.String("flow_id", event.FlowID),
				zap.String("symbol", event.Symbol),
				zap.String("channel", channel),
			)
			return nil
		}
		return fmt.Errorf("failed to cache event %s: %w", event.FlowID, err)
	}
	_ = h.recorder.Record(ctx, event.FlowID, models.CheckpointCached, meta)

	if h.observer != nil {
		h.observer.EventProcessed(h.now())
	}

	h.dispatcher.OnNewEvent(ctx, event, channel)
	return nil
}

// buildEvent 由解析结果构建事件：解析层级、检测时间和过期时间
func (h *PatternHandler) buildEvent(env *models.Envelope, data *models.DetectionData, channel string) (*models.DetectionEvent, error) {
	tier, err := h.resolveTier(data.TierHint, channel)
	if err != nil {
		return nil, err
	}

	detectedAt := models.UnixFloatToTime(*env.Timestamp)
	if data.DetectedAt != nil {
		detectedAt = models.UnixFloatToTime(*data.DetectedAt)
	}

	var expiresAt *time.Time
	if data.ExpiresAt != nil {
		t := models.UnixFloatToTime(*data.ExpiresAt)
		expiresAt = &t
	} else if ttl := h.cfg.TTLs[tier]; ttl > 0 {
		t := detectedAt.Add(ttl)
		expiresAt = &t
	}

	event := &models.DetectionEvent{
		FlowID:     data.FlowID,
		Symbol:     data.Symbol,
		Pattern:    data.Pattern,
		Tier:       tier,
		Confidence: *data.Confidence,
		DetectedAt: detectedAt,
		ExpiresAt:  expiresAt,
		Source:     env.Source,
		Payload:    data.Extra,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// resolveTier tier 字段 → 频道映射 → 默认层级
func (h *PatternHandler) resolveTier(hint, channel string) (models.Tier, error) {
	if hint != "" {
		tier, err := models.ParseTier(hint)
		if err != nil {
			return "", &models.ValidationError{Field: "tier", Reason: models.ReasonUnknownTier}
		}
		return tier, nil
	}
	if tier, ok := h.cfg.ChannelTiers[channel]; ok {
		return tier, nil
	}
	return h.cfg.DefaultTier, nil
}

// reject 写入 REJECTED 审计（尽量带上已解析的字段）
func (h *PatternHandler) reject(ctx context.Context, channel string, env *models.Envelope, cause error) {
	reason, field := models.ReasonMalformed, ""
	var verr *models.ValidationError
	if errors.As(cause, &verr) {
		reason, field = verr.Reason, verr.Field
	}
	metrics.MessagesRejected.WithLabelValues(reason).Inc()

	partial := env.Partial()
	flowID := partial.FlowID
	if flowID == "" {
		flowID = "rejected-" + uuid.NewString()
	}

	meta := models.FlowMetadata{
		Channel: channel,
		Symbol:  partial.Symbol,
		Pattern: partial.Pattern,
		Context: map[string]interface{}{"reason": reason},
	}
	if env != nil {
		meta.SourceSystem = env.Source
		if env.EventType != "" {
			meta.Context["event_type"] = env.EventType
		}
	}
	if field != "" {
		meta.Context["field"] = field
	}
	if tier, err := models.ParseTier(partial.TierHint); err == nil {
		meta.Tier = tier
	}
	if partial.Confidence != nil {
		conf := *partial.Confidence
		meta.Confidence = &conf
	}

	h.logger.Warn("Rejected invalid detection message",
		zap.String("flow_id", flowID),
		zap.String("channel", channel),
		zap.String("reason", reason),
		zap.String("field", field),
	)

	_ = h.recorder.Record(ctx, flowID, models.CheckpointRejected, meta)
}
