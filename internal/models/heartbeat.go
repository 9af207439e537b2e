package models

import (
	"encoding/json"
	"time"
)

// EmitterRole 心跳发出方
type EmitterRole string

const (
	EmitterProducer EmitterRole = "producer"
	EmitterConsumer EmitterRole = "consumer"
)

// HeartbeatRecord 存活信号（由下一条心跳取代，不删除）
type HeartbeatRecord struct {
	EmittedAt       time.Time
	EmitterRole     EmitterRole
	UptimeSeconds   float64
	EventsProcessed int64
	LastEventAt     *time.Time
}

// heartbeatWire 总线/Redis key 上的心跳格式（时间为 unix 秒浮点）
type heartbeatWire struct {
	EmittedAt       float64     `json:"emitted_at"`
	EmitterRole     EmitterRole `json:"emitter_role"`
	UptimeSeconds   float64     `json:"uptime_seconds"`
	EventsProcessed int64       `json:"events_processed"`
	LastEventAt     *float64    `json:"last_event_at"`
}

func (h HeartbeatRecord) MarshalJSON() ([]byte, error) {
	w := heartbeatWire{
		EmittedAt:       TimeToUnixFloat(h.EmittedAt),
		EmitterRole:     h.EmitterRole,
		UptimeSeconds:   h.UptimeSeconds,
		EventsProcessed: h.EventsProcessed,
	}
	if h.LastEventAt != nil {
		v := TimeToUnixFloat(*h.LastEventAt)
		w.LastEventAt = &v
	}
	return json.Marshal(w)
}

func (h *HeartbeatRecord) UnmarshalJSON(b []byte) error {
	var w heartbeatWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	h.EmittedAt = UnixFloatToTime(w.EmittedAt)
	h.EmitterRole = w.EmitterRole
	h.UptimeSeconds = w.UptimeSeconds
	h.EventsProcessed = w.EventsProcessed
	h.LastEventAt = nil
	if w.LastEventAt != nil {
		t := UnixFloatToTime(*w.LastEventAt)
		h.LastEventAt = &t
	}
	return nil
}
