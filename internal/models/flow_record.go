package models

import "time"

// Checkpoint 事件在管线中经过的阶段
type Checkpoint string

const (
	CheckpointReceived      Checkpoint = "RECEIVED"
	CheckpointParsed        Checkpoint = "PARSED"
	CheckpointCached        Checkpoint = "CACHED"
	CheckpointDelivered     Checkpoint = "DELIVERED"
	CheckpointPublishFailed Checkpoint = "PUBLISH_FAILED"
	CheckpointRejected      Checkpoint = "REJECTED"
)

// Order 阶段的因果顺序（RECEIVED < PARSED < CACHED < DELIVERED）；终止状态返回 -1
func (c Checkpoint) Order() int {
	switch c {
	case CheckpointReceived:
		return 0
	case CheckpointParsed:
		return 1
	case CheckpointCached:
		return 2
	case CheckpointDelivered:
		return 3
	}
	return -1
}

// Terminal 是否为失败终止状态
func (c Checkpoint) Terminal() bool {
	return c == CheckpointPublishFailed || c == CheckpointRejected
}

// Valid 是否为已知阶段
func (c Checkpoint) Valid() bool {
	return c.Order() >= 0 || c.Terminal()
}

// FlowRecord 一条审计检查点记录（只追加，不修改）
type FlowRecord struct {
	FlowID       string                 `json:"flow_id"`
	Checkpoint   Checkpoint             `json:"checkpoint"`
	Timestamp    time.Time              `json:"timestamp"`
	SourceSystem string                 `json:"source_system"`
	Channel      string                 `json:"channel"`
	Symbol       string                 `json:"symbol,omitempty"`
	Pattern      string                 `json:"pattern,omitempty"`
	Tier         Tier                   `json:"tier,omitempty"`
	Confidence   *float64               `json:"confidence,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// FlowMetadata 记录检查点时附带的元数据
type FlowMetadata struct {
	SourceSystem string
	Channel      string
	Symbol       string
	Pattern      string
	Tier         Tier
	Confidence   *float64
	Context      map[string]interface{}
}

// MetadataFor 由检测事件构建审计元数据
func MetadataFor(e *DetectionEvent, channel string) FlowMetadata {
	conf := e.Confidence
	return FlowMetadata{
		SourceSystem: e.Source,
		Channel:      channel,
		Symbol:       e.Symbol,
		Pattern:      e.Pattern,
		Tier:         e.Tier,
		Confidence:   &conf,
	}
}

// FlowLatency 单个 flow 从最早到最晚检查点的耗时
type FlowLatency struct {
	FlowID      string        `json:"flow_id"`
	First       Checkpoint    `json:"first_checkpoint"`
	Last        Checkpoint    `json:"last_checkpoint"`
	FirstAt     time.Time     `json:"first_at"`
	LastAt      time.Time     `json:"last_at"`
	Latency     time.Duration `json:"-"`
	LatencyMS   float64       `json:"latency_ms"`
	Checkpoints int           `json:"checkpoints"`
}
