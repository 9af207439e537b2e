package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 订阅端
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstock_stream_messages_received_total",
			Help: "Bus messages received by channel",
		},
		[]string{"channel"},
	)

	MessagesIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstock_stream_messages_ignored_total",
			Help: "Bus messages ignored because of their event type",
		},
		[]string{"event_type"},
	)

	MessagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstock_stream_messages_rejected_total",
			Help: "Bus messages rejected at ingestion by reason",
		},
		[]string{"reason"},
	)

	BusReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tickstock_stream_bus_reconnects_total",
			Help: "Bus subscription reconnect attempts",
		},
	)

	// 缓存
	EventsCached = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstock_stream_events_cached_total",
			Help: "Detection events inserted into the tiered cache",
		},
		[]string{"tier"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstock_stream_cache_evictions_total",
			Help: "Cache entries removed by tier and cause (capacity|expired)",
		},
		[]string{"tier", "cause"},
	)

	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickstock_stream_cache_entries",
			Help: "Current cache entries per tier",
		},
		[]string{"tier"},
	)

	// 推送
	SessionsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickstock_stream_sessions_connected",
			Help: "Connected push sessions",
		},
	)

	PushDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tickstock_stream_push_dropped_total",
			Help: "Push messages dropped for slow sessions",
		},
	)

	PushSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tickstock_stream_push_sent_total",
			Help: "Push messages written to sessions",
		},
	)

	// 聚合查询
	TierQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickstock_stream_tier_query_duration_seconds",
			Help:    "Per-tier refresh query duration",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"tier", "source"},
	)

	TierQueryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstock_stream_tier_query_outcomes_total",
			Help: "Per-tier refresh query outcomes (ok|timeout|error|disabled)",
		},
		[]string{"tier", "status"},
	)

	// 审计
	FlowWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstock_stream_flow_write_failures_total",
			Help: "Failed flow record writes by checkpoint",
		},
		[]string{"checkpoint"},
	)

	FlowRetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickstock_stream_flow_retry_queue_depth",
			Help: "Flow records waiting for a background retry",
		},
	)

	// 心跳
	ProducerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickstock_stream_producer_up",
			Help: "Whether the upstream producer heartbeat is within its grace window (1 = up)",
		},
	)
)

func init() {
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesIgnored)
	prometheus.MustRegister(MessagesRejected)
	prometheus.MustRegister(BusReconnects)
	prometheus.MustRegister(EventsCached)
	prometheus.MustRegister(CacheEvictions)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(SessionsConnected)
	prometheus.MustRegister(PushDropped)
	prometheus.MustRegister(PushSent)
	prometheus.MustRegister(TierQueryDuration)
	prometheus.MustRegister(TierQueryOutcomes)
	prometheus.MustRegister(FlowWriteFailures)
	prometheus.MustRegister(FlowRetryQueueDepth)
	prometheus.MustRegister(ProducerUp)
}

// Handler 返回 Prometheus 指标 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
