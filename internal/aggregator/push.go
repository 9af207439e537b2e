package aggregator

import (
	"context"
	"time"

	"tickstock-stream/internal/models"

	"go.uber.org/zap"
)

// Broadcaster 周期推送目标（broadcast.Dispatcher 实现）
type Broadcaster interface {
	Count() int
	Broadcast(msg models.PushMessage) int
}

// RunPush 按固定间隔把 RefreshAll 结果推送给全部会话；没有会话时跳过查询
func (a *Aggregator) RunPush(ctx context.Context, interval time.Duration, b Broadcaster, confidenceMin float64, limitPerTier int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("Starting periodic refresh push", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.Count() == 0 {
				continue
			}
			resp, err := a.RefreshAll(ctx, confidenceMin, limitPerTier)
			if err != nil {
				a.logger.Error("Failed to build refresh push", zap.Error(err))
				continue
			}
			n := b.Broadcast(models.PushMessage{Type: models.PushTypeRefresh, Data: resp})
			a.logger.Debug("Pushed refresh",
				zap.Int("sessions", n),
				zap.Int("failed_tiers", resp.Metadata.FailedTiers),
			)
		}
	}
}
