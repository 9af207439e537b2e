package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventTypePatternDetected 唯一处理的事件类型，其它类型忽略
const EventTypePatternDetected = "pattern_detected"

// 校验失败原因（写入 REJECTED 审计记录的 context.reason）
const (
	ReasonMalformed       = "malformed"
	ReasonMissing         = "missing"
	ReasonWrongType       = "wrong_type"
	ReasonOutOfRange      = "out_of_range"
	ReasonUnknownTier     = "unknown_tier"
	ReasonLegacyField     = "legacy_field"
	ReasonBeforeDetection = "before_detected_at"
)

// ErrInvalidEnvelope 入站消息无法解码或缺少必填字段
var ErrInvalidEnvelope = errors.New("invalid envelope")

// ValidationError 带字段和原因的校验错误
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidEnvelope, e.Reason)
	}
	return fmt.Sprintf("%s: field %s: %s", ErrInvalidEnvelope, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEnvelope }

// Envelope 入站总线消息外层结构
//
//	{"event_type": "pattern_detected", "source": "...", "timestamp": 1700000000.5, "data": {...}}
type Envelope struct {
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Timestamp *float64        `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DetectionData data 字段解析结果：固定的必填子集 + 扩展字段
type DetectionData struct {
	FlowID     string
	Symbol     string
	Pattern    string
	TierHint   string
	Confidence *float64
	DetectedAt *float64
	ExpiresAt  *float64
	Extra      map[string]json.RawMessage
}

// DecodeEnvelope 解码外层结构（只校验 JSON 格式和 event_type）
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}
	if env.EventType == "" {
		return &env, &ValidationError{Field: "event_type", Reason: ReasonMissing}
	}
	return &env, nil
}

// IsDetection 是否为检测事件
func (e *Envelope) IsDetection() bool {
	return e.EventType == EventTypePatternDetected
}

// ParseDetection 解析并校验 data 字段的必填部分
func (e *Envelope) ParseDetection() (*DetectionData, error) {
	if e.Source == "" {
		return nil, &ValidationError{Field: "source", Reason: ReasonMissing}
	}
	if e.Timestamp == nil {
		return nil, &ValidationError{Field: "timestamp", Reason: ReasonMissing}
	}
	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return nil, &ValidationError{Field: "data", Reason: ReasonMissing}
	}

	data, err := decodeData(e.Data)
	if err != nil {
		return nil, err
	}

	if data.Symbol == "" {
		return nil, &ValidationError{Field: "symbol", Reason: ReasonMissing}
	}
	if data.Pattern == "" {
		if _, legacy := data.Extra["pattern_name"]; legacy {
			return nil, &ValidationError{Field: "pattern", Reason: ReasonLegacyField}
		}
		return nil, &ValidationError{Field: "pattern", Reason: ReasonMissing}
	}
	if data.Confidence == nil {
		return nil, &ValidationError{Field: "confidence", Reason: ReasonMissing}
	}
	if *data.Confidence < 0 || *data.Confidence > 1 {
		return nil, &ValidationError{Field: "confidence", Reason: ReasonOutOfRange}
	}
	if data.FlowID == "" {
		return nil, &ValidationError{Field: "flow_id", Reason: ReasonMissing}
	}

	return data, nil
}

// Partial 尽力提取部分字段（用于拒绝时的审计记录），不返回错误
func (e *Envelope) Partial() *DetectionData {
	if e == nil || len(e.Data) == 0 {
		return &DetectionData{}
	}
	data, err := decodeData(e.Data)
	if err != nil {
		return &DetectionData{}
	}
	return data
}

// decodeData 将 data 对象拆分为已知字段和扩展字段
func decodeData(raw []byte) (*DetectionData, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Field: "data", Reason: ReasonMalformed}
	}

	data := &DetectionData{Extra: make(map[string]json.RawMessage)}
	for k, v := range fields {
		if isNull(v) {
			continue
		}
		var err error
		switch k {
		case "flow_id":
			err = json.Unmarshal(v, &data.FlowID)
		case "symbol":
			err = json.Unmarshal(v, &data.Symbol)
		case "pattern":
			err = json.Unmarshal(v, &data.Pattern)
		case "tier":
			err = json.Unmarshal(v, &data.TierHint)
		case "confidence":
			data.Confidence = new(float64)
			err = json.Unmarshal(v, data.Confidence)
		case "detected_at":
			data.DetectedAt = new(float64)
			err = json.Unmarshal(v, data.DetectedAt)
		case "expires_at":
			data.ExpiresAt = new(float64)
			err = json.Unmarshal(v, data.ExpiresAt)
		default:
			data.Extra[k] = v
		}
		if err != nil {
			return nil, &ValidationError{Field: k, Reason: ReasonWrongType}
		}
	}
	return data, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
