package httpapi

import (
	"context"
	"net/http"
	"time"

	"tickstock-stream/internal/broadcast"
	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/heartbeat"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxControlMessageBytes = 4096

// SessionHub 推送会话（broadcast.Dispatcher 实现）
type SessionHub interface {
	Serve(ctx context.Context, conn broadcast.Conn, opts broadcast.SessionOptions)
	Sessions() []broadcast.SessionInfo
	Count() int
}

// LivenessReporter 心跳状态（heartbeat.Monitor 实现）
type LivenessReporter interface {
	Liveness(now time.Time) heartbeat.Liveness
}

// CacheStats 缓存统计（cache.TieredCache 实现）
type CacheStats interface {
	Stats() []cache.TierStats
}

// RetryQueue 审计重试队列（flow.Recorder 实现）
type RetryQueue interface {
	Pending() int
}

// SystemHandler /ws、/health 与诊断接口
type SystemHandler struct {
	hub      SessionHub
	liveness LivenessReporter
	cache    CacheStats
	retry    RetryQueue
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewSystemHandler(hub SessionHub, liveness LivenessReporter, cacheStats CacheStats, retry RetryQueue, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		hub:      hub,
		liveness: liveness,
		cache:    cacheStats,
		retry:    retry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWS GET /ws?tiers=intraday,daily|all&catch_up=true&confidence_min=&limit=
// 参数在升级前校验，非法时返回 400
func (h *SystemHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tiers, all, err := broadcast.ParseTiers(splitParam(r.URL.Query().Get("tiers")))
	if err != nil {
		writeError(w, err)
		return
	}
	catchUp, err := parseBoolParam(r, "catch_up")
	if err != nil {
		writeError(w, err)
		return
	}
	confidenceMin, limit, err := parseCommon(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxControlMessageBytes)

	h.hub.Serve(r.Context(), conn, broadcast.SessionOptions{
		Tiers:         tiers,
		All:           all,
		CatchUp:       catchUp,
		MinConfidence: confidenceMin,
		Limit:         limit,
		Remote:        r.RemoteAddr,
	})
}

type healthResponse struct {
	Status           string             `json:"status"`
	Time             time.Time          `json:"time"`
	Heartbeat        heartbeat.Liveness `json:"heartbeat"`
	Cache            []cache.TierStats  `json:"cache"`
	Sessions         int                `json:"sessions"`
	FlowRetryPending int                `json:"flow_retry_pending"`
}

// Health GET /health
// 进程可服务即返回 200；Producer 存活状态只体现在响应体中
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		Time:             now,
		Heartbeat:        h.liveness.Liveness(now),
		Cache:            h.cache.Stats(),
		Sessions:         h.hub.Count(),
		FlowRetryPending: h.retry.Pending(),
	})
}

// Sessions GET /diagnostics/sessions
func (h *SystemHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.hub.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
