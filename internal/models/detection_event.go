package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DetectionEvent 一次检测事件（由 Producer 产生，入缓存后不可变）
type DetectionEvent struct {
	FlowID     string
	Symbol     string
	Pattern    string // 分类名称，如 "Doji"
	Tier       Tier
	Confidence float64
	DetectedAt time.Time
	ExpiresAt  *time.Time
	Source     string

	// Payload 分类特有的扩展字段（原样保留，输出时平铺）
	Payload map[string]json.RawMessage
}

// Validate 校验事件不变量
func (e *DetectionEvent) Validate() error {
	if e.FlowID == "" {
		return &ValidationError{Field: "flow_id", Reason: ReasonMissing}
	}
	if e.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: ReasonMissing}
	}
	if e.Pattern == "" {
		return &ValidationError{Field: "pattern", Reason: ReasonMissing}
	}
	if !e.Tier.Valid() {
		return &ValidationError{Field: "tier", Reason: ReasonUnknownTier}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: ReasonOutOfRange}
	}
	if e.DetectedAt.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: ReasonMissing}
	}
	if e.ExpiresAt != nil && e.ExpiresAt.Before(e.DetectedAt) {
		return &ValidationError{Field: "expires_at", Reason: ReasonBeforeDetection}
	}
	return nil
}

// Expired 在 now 时刻是否已过期
func (e *DetectionEvent) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// MarshalJSON 输出与入站 data 相同的平铺结构（已知字段优先于扩展字段）
func (e DetectionEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Payload)+8)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["flow_id"] = e.FlowID
	out["symbol"] = e.Symbol
	out["pattern"] = e.Pattern
	out["tier"] = e.Tier
	out["confidence"] = e.Confidence
	out["detected_at"] = TimeToUnixFloat(e.DetectedAt)
	if e.ExpiresAt != nil {
		out["expires_at"] = TimeToUnixFloat(*e.ExpiresAt)
	} else {
		out["expires_at"] = nil
	}
	out["source"] = e.Source
	return json.Marshal(out)
}

// UnmarshalJSON 解析 MarshalJSON 的输出（用于存储回读和测试）
func (e *DetectionEvent) UnmarshalJSON(b []byte) error {
	fields, err := decodeData(b)
	if err != nil {
		return err
	}
	e.FlowID = fields.FlowID
	e.Symbol = fields.Symbol
	e.Pattern = fields.Pattern
	e.Tier = Tier(fields.TierHint)
	if fields.Confidence != nil {
		e.Confidence = *fields.Confidence
	}
	if fields.DetectedAt != nil {
		e.DetectedAt = UnixFloatToTime(*fields.DetectedAt)
	}
	if fields.ExpiresAt != nil {
		t := UnixFloatToTime(*fields.ExpiresAt)
		e.ExpiresAt = &t
	}
	if raw, ok := fields.Extra["source"]; ok {
		if err := json.Unmarshal(raw, &e.Source); err != nil {
			return fmt.Errorf("invalid source: %w", err)
		}
		delete(fields.Extra, "source")
	}
	e.Payload = fields.Extra
	return nil
}
