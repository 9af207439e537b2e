package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tickstock-stream/internal/metrics"
	"tickstock-stream/internal/models"
	"tickstock-stream/internal/repository"

	"go.uber.org/zap"
)

var (
	// ErrStoreUnavailable 审计库不可用
	ErrStoreUnavailable = repository.ErrStoreUnavailable
	// ErrFlowNotFound flow 没有任何检查点
	ErrFlowNotFound = errors.New("flow not found")
)

const (
	defaultWriteTimeout = 200 * time.Millisecond
	defaultQueueSize    = 10000
	receivedIndexSize   = 50000
	initialBackoff      = time.Second
	maxBackoff          = 30 * time.Second
)

// Store 审计存储（repository.FlowRepository 实现）
type Store interface {
	InsertFlowRecord(ctx context.Context, rec *models.FlowRecord) error
	FlowsSince(ctx context.Context, since time.Time, limit int) ([]models.FlowRecord, error)
	FlowRecords(ctx context.Context, flowID string) ([]models.FlowRecord, error)
	InsertHeartbeat(ctx context.Context, hb *models.HeartbeatRecord) error
	LatestHeartbeat(ctx context.Context, role models.EmitterRole) (*models.HeartbeatRecord, error)
}

// pending 待重试的写入（检查点或心跳二选一）
type pending struct {
	rec *models.FlowRecord
	hb  *models.HeartbeatRecord
}

// Recorder Flow Recorder：只追加的审计记录
// 写入失败不阻塞调用方：记录日志、放入有界重试队列，由 RunRetry 在后台按退避重放
type Recorder struct {
	store        Store
	logger       *zap.Logger
	writeTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	queue     []*pending
	queueSize int
	wake      chan struct{}

	receivedMu    sync.Mutex
	received      map[string]struct{}
	receivedOrder []string
	receivedNext  int
}

// NewRecorder 创建 Recorder
func NewRecorder(store Store, writeTimeout time.Duration, queueSize int, logger *zap.Logger) *Recorder {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		store:         store,
		logger:        logger,
		writeTimeout:  writeTimeout,
		now:           time.Now,
		queueSize:     queueSize,
		wake:          make(chan struct{}, 1),
		received:      make(map[string]struct{}),
		receivedOrder: make([]string, receivedIndexSize),
	}
}

// Record 写入一条检查点
// 调用方必须把返回的错误视为非致命错误
func (r *Recorder) Record(ctx context.Context, flowID string, checkpoint models.Checkpoint, meta models.FlowMetadata) error {
	rec := &models.FlowRecord{
		FlowID:       flowID,
		Checkpoint:   checkpoint,
		Timestamp:    r.now().UTC(),
		SourceSystem: meta.SourceSystem,
		Channel:      meta.Channel,
		Symbol:       meta.Symbol,
		Pattern:      meta.Pattern,
		Tier:         meta.Tier,
		Confidence:   meta.Confidence,
		Context:      copyContext(meta.Context),
	}

	switch {
	case checkpoint == models.CheckpointReceived:
		r.markReceived(flowID)
	case checkpoint.Order() > 0 && !r.hasReceived(flowID):
		if rec.Context == nil {
			rec.Context = make(map[string]interface{})
		}
		rec.Context["out_of_order"] = true
		r.logger.Warn("Flow checkpoint written without RECEIVED",
			zap.String("flow_id", flowID),
			zap.String("checkpoint", string(checkpoint)),
		)
	}

	item := &pending{rec: rec}
	if r.deferred(item) {
		metrics.FlowWriteFailures.WithLabelValues(string(checkpoint)).Inc()
		return fmt.Errorf("record %s %s: %w: queued behind pending writes", flowID, checkpoint, ErrStoreUnavailable)
	}

	if err := r.insert(ctx, item); err != nil {
		metrics.FlowWriteFailures.WithLabelValues(string(checkpoint)).Inc()
		r.logger.Warn("Failed to write flow record, queued for retry",
			zap.String("flow_id", flowID),
			zap.String("checkpoint", string(checkpoint)),
			zap.Error(err),
		)
		r.enqueue(item)
		return fmt.Errorf("record %s %s: %w", flowID, checkpoint, err)
	}
	return nil
}

// RecordHeartbeat 持久化心跳（失败同样进入重试队列）
func (r *Recorder) RecordHeartbeat(ctx context.Context, hb *models.HeartbeatRecord) error {
	item := &pending{hb: hb}
	if r.deferred(item) {
		metrics.FlowWriteFailures.WithLabelValues("HEARTBEAT").Inc()
		return fmt.Errorf("record heartbeat: %w: queued behind pending writes", ErrStoreUnavailable)
	}
	if err := r.insert(ctx, item); err != nil {
		metrics.FlowWriteFailures.WithLabelValues("HEARTBEAT").Inc()
		r.logger.Warn("Failed to write heartbeat, queued for retry",
			zap.String("emitter_role", string(hb.EmitterRole)),
			zap.Error(err),
		)
		r.enqueue(item)
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// deferred 重试队列非空时说明存储仍未恢复：新记录直接排到队尾，不再同步尝试
// 保证调用方在整个故障期间只付出一次 writeTimeout
func (r *Recorder) deferred(item *pending) bool {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	r.enqueue(item)
	return true
}

// insert 单次写入，耗时受 writeTimeout 限制
func (r *Recorder) insert(ctx context.Context, item *pending) error {
	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	if item.hb != nil {
		return r.store.InsertHeartbeat(wctx, item.hb)
	}
	return r.store.InsertFlowRecord(wctx, item.rec)
}

// enqueue 放入重试队列；队列满时丢弃最旧的一条
func (r *Recorder) enqueue(item *pending) {
	r.mu.Lock()
	if len(r.queue) >= r.queueSize {
		dropped := r.queue[0]
		r.queue = r.queue[1:]
		if dropped.rec != nil {
			r.logger.Warn("Flow retry queue full, dropping oldest record",
				zap.String("flow_id", dropped.rec.FlowID),
				zap.String("checkpoint", string(dropped.rec.Checkpoint)),
			)
		}
	}
	r.queue = append(r.queue, item)
	depth := len(r.queue)
	r.mu.Unlock()

	metrics.FlowRetryQueueDepth.Set(float64(depth))

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) head() *pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	return r.queue[0]
}

// remove 重放成功后移除；期间若已因队列溢出被丢弃则忽略
func (r *Recorder) remove(item *pending) {
	r.mu.Lock()
	if len(r.queue) > 0 && r.queue[0] == item {
		r.queue[0] = nil
		r.queue = r.queue[1:]
	}
	depth := len(r.queue)
	r.mu.Unlock()

	metrics.FlowRetryQueueDepth.Set(float64(depth))
}

// Pending 重试队列长度
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// RunRetry 后台重放失败的写入，直到 ctx 取消
// 退避：1s → 2s → 4s ... 上限 30s，成功后重置
func (r *Recorder) RunRetry(ctx context.Context) {
	backoff := initialBackoff

	for {
		item := r.head()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}

		if err := r.insert(ctx, item); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Flow record retry failed",
				zap.Int("pending", r.Pending()),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		r.remove(item)
		backoff = initialBackoff
	}
}

func (r *Recorder) markReceived(flowID string) {
	r.receivedMu.Lock()
	defer r.receivedMu.Unlock()

	if _, ok := r.received[flowID]; ok {
		return
	}
	if old := r.receivedOrder[r.receivedNext]; old != "" {
		delete(r.received, old)
	}
	r.receivedOrder[r.receivedNext] = flowID
	r.receivedNext = (r.receivedNext + 1) % len(r.receivedOrder)
	r.received[flowID] = struct{}{}
}

func (r *Recorder) hasReceived(flowID string) bool {
	r.receivedMu.Lock()
	defer r.receivedMu.Unlock()
	_, ok := r.received[flowID]
	return ok
}

func copyContext(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
