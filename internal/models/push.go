package models

// 推送消息类型
const (
	PushTypePattern  = "pattern"
	PushTypeSnapshot = "snapshot"
	PushTypeRefresh  = "refresh"
	PushTypePong     = "pong"
	PushTypeError    = "error"
)

// PushMessage Broadcast Dispatcher 发送给客户端会话的消息
type PushMessage struct {
	Type    string          `json:"type"`
	Tier    Tier            `json:"tier,omitempty"`
	Pattern *DetectionEvent `json:"pattern,omitempty"`
	Data    interface{}     `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ClientAction 客户端通过推送通道发送的控制消息
type ClientAction struct {
	Action string   `json:"action"` // subscribe | unsubscribe | ping
	Tiers  []string `json:"tiers,omitempty"`
}
