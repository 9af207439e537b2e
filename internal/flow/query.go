package flow

import (
	"context"
	"fmt"
	"time"

	"tickstock-stream/internal/models"
)

// FlowsSince 查询 since 之后的检查点
func (r *Recorder) FlowsSince(ctx context.Context, since time.Time, limit int) ([]models.FlowRecord, error) {
	return r.store.FlowsSince(ctx, since, limit)
}

// FlowRecords 查询单个 flow 的全部检查点
func (r *Recorder) FlowRecords(ctx context.Context, flowID string) ([]models.FlowRecord, error) {
	return r.store.FlowRecords(ctx, flowID)
}

// LatestHeartbeat 查询发出方最近一条持久化的心跳
func (r *Recorder) LatestHeartbeat(ctx context.Context, role models.EmitterRole) (*models.HeartbeatRecord, error) {
	return r.store.LatestHeartbeat(ctx, role)
}

// LatestCheckpoint flow 当前的最新状态
// 终止状态（REJECTED / PUBLISH_FAILED）优先，否则取因果顺序最靠后的检查点；
// 重复写入同一检查点不改变结果
func (r *Recorder) LatestCheckpoint(ctx context.Context, flowID string) (*models.FlowRecord, error) {
	records, err := r.store.FlowRecords(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}

	latest := records[0]
	for _, rec := range records[1:] {
		if ranks(rec.Checkpoint) > ranks(latest.Checkpoint) {
			latest = rec
		}
	}
	return &latest, nil
}

func ranks(c models.Checkpoint) int {
	if c.Terminal() {
		return 100
	}
	return c.Order()
}

// LatencyOf 由一组检查点计算耗时（records 非空）
func LatencyOf(flowID string, records []models.FlowRecord) *models.FlowLatency {
	first, last := records[0], records[0]
	for _, rec := range records[1:] {
		if rec.Timestamp.Before(first.Timestamp) {
			first = rec
		}
		if !rec.Timestamp.Before(last.Timestamp) {
			last = rec
		}
	}

	latency := last.Timestamp.Sub(first.Timestamp)
	return &models.FlowLatency{
		FlowID:      flowID,
		First:       first.Checkpoint,
		Last:        last.Checkpoint,
		FirstAt:     first.Timestamp,
		LastAt:      last.Timestamp,
		Latency:     latency,
		LatencyMS:   float64(latency.Microseconds()) / 1000,
		Checkpoints: len(records),
	}
}

// GroupByFlow 按 flow_id 分组（保持首次出现顺序）
func GroupByFlow(records []models.FlowRecord) ([]string, map[string][]models.FlowRecord) {
	var order []string
	groups := make(map[string][]models.FlowRecord)
	for _, rec := range records {
		if _, ok := groups[rec.FlowID]; !ok {
			order = append(order, rec.FlowID)
		}
		groups[rec.FlowID] = append(groups[rec.FlowID], rec)
	}
	return order, groups
}
