package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tickstock-stream/internal/models"

	"go.uber.org/zap"
)

// PatternRepository 读取 Producer 写入的 detection_events 表（只读）
type PatternRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPatternRepository creates a new pattern repository
func NewPatternRepository(db *sql.DB, logger *zap.Logger) *PatternRepository {
	return &PatternRepository{
		db:     db,
		logger: logger,
	}
}

// TierQuery 数据库层级查询条件
type TierQuery struct {
	Tier          models.Tier
	Since         time.Time
	MinConfidence float64
	Limit         int
}

// QueryTier 查询时间窗口内的层级事件，按置信度降序、检测时间降序
func (r *PatternRepository) QueryTier(ctx context.Context, q TierQuery) ([]*models.DetectionEvent, error) {
	query := `
		SELECT flow_id, symbol, pattern, tier, confidence, detected_at, expires_at, source, payload
		FROM detection_events
		WHERE tier = $1
		  AND detected_at >= $2
		  AND confidence >= $3
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY confidence DESC, detected_at DESC
		LIMIT $4
	`

	rows, err := r.db.QueryContext(ctx, query, string(q.Tier), q.Since, q.MinConfidence, q.Limit)
	if err != nil {
		return nil, storeError(fmt.Sprintf("query tier %s", q.Tier), err)
	}
	defer rows.Close()

	events := make([]*models.DetectionEvent, 0, q.Limit)
	for rows.Next() {
		var (
			e         models.DetectionEvent
			tier      string
			expiresAt sql.NullTime
			source    sql.NullString
			payload   []byte
		)
		if err := rows.Scan(
			&e.FlowID,
			&e.Symbol,
			&e.Pattern,
			&tier,
			&e.Confidence,
			&e.DetectedAt,
			&expiresAt,
			&source,
			&payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan detection event: %w", err)
		}

		e.Tier = models.Tier(tier)
		e.Source = source.String
		e.DetectedAt = e.DetectedAt.UTC()
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			e.ExpiresAt = &t
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				r.logger.Warn("Ignoring malformed detection payload",
					zap.String("flow_id", e.FlowID),
					zap.Error(err),
				)
				e.Payload = nil
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(fmt.Sprintf("iterate tier %s", q.Tier), err)
	}
	return events, nil
}
