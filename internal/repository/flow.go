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

// FlowRepository 审计记录仓库（pattern_flow_events / system_heartbeats）
type FlowRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewFlowRepository creates a new flow repository
func NewFlowRepository(db *sql.DB, logger *zap.Logger) *FlowRepository {
	return &FlowRepository{
		db:     db,
		logger: logger,
	}
}

// InsertFlowRecord 写入一条检查点；同一 (flow_id, checkpoint) 重复写入被忽略
func (r *FlowRepository) InsertFlowRecord(ctx context.Context, rec *models.FlowRecord) error {
	contextJSON, err := marshalContext(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal flow context: %w", err)
	}

	query := `
		INSERT INTO pattern_flow_events (
			flow_id, checkpoint, recorded_at, source_system, channel,
			symbol, pattern, tier, confidence, context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (flow_id, checkpoint) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.FlowID,
		string(rec.Checkpoint),
		rec.Timestamp,
		rec.SourceSystem,
		rec.Channel,
		nullString(rec.Symbol),
		nullString(rec.Pattern),
		nullString(string(rec.Tier)),
		nullFloat(rec.Confidence),
		contextJSON,
	)
	if err != nil {
		return storeError("insert flow record", err)
	}
	return nil
}

const flowColumns = `flow_id, checkpoint, recorded_at, source_system, channel, symbol, pattern, tier, confidence, context`

// FlowsSince 查询 since 之后的检查点（按时间升序）
func (r *FlowRepository) FlowsSince(ctx context.Context, since time.Time, limit int) ([]models.FlowRecord, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM pattern_flow_events
		WHERE recorded_at >= $1
		ORDER BY recorded_at ASC, id ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, storeError("query flows since", err)
	}
	defer rows.Close()

	return scanFlowRecords(rows)
}

// FlowRecords 查询单个 flow 的全部检查点（按时间升序）
func (r *FlowRepository) FlowRecords(ctx context.Context, flowID string) ([]models.FlowRecord, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM pattern_flow_events
		WHERE flow_id = $1
		ORDER BY recorded_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, storeError("query flow records", err)
	}
	defer rows.Close()

	return scanFlowRecords(rows)
}

func scanFlowRecords(rows *sql.Rows) ([]models.FlowRecord, error) {
	var records []models.FlowRecord
	for rows.Next() {
		var (
			rec         models.FlowRecord
			checkpoint  string
			symbol      sql.NullString
			pattern     sql.NullString
			tier        sql.NullString
			confidence  sql.NullFloat64
			contextJSON []byte
		)
		if err := rows.Scan(
			&rec.FlowID,
			&checkpoint,
			&rec.Timestamp,
			&rec.SourceSystem,
			&rec.Channel,
			&symbol,
			&pattern,
			&tier,
			&confidence,
			&contextJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flow record: %w", err)
		}

		rec.Checkpoint = models.Checkpoint(checkpoint)
		rec.Symbol = symbol.String
		rec.Pattern = pattern.String
		rec.Tier = models.Tier(tier.String)
		if confidence.Valid {
			v := confidence.Float64
			rec.Confidence = &v
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal flow context: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate flow records", err)
	}
	return records, nil
}

// InsertHeartbeat 写入心跳记录
func (r *FlowRepository) InsertHeartbeat(ctx context.Context, hb *models.HeartbeatRecord) error {
	query := `
		INSERT INTO system_heartbeats (
			emitter_role, emitted_at, uptime_seconds, events_processed, last_event_at
		) VALUES ($1, $2, $3, $4, $5)
	`
	var lastEventAt interface{}
	if hb.LastEventAt != nil {
		lastEventAt = *hb.LastEventAt
	}

	if _, err := r.db.ExecContext(ctx, query,
		string(hb.EmitterRole),
		hb.EmittedAt,
		hb.UptimeSeconds,
		hb.EventsProcessed,
		lastEventAt,
	); err != nil {
		return storeError("insert heartbeat", err)
	}
	return nil
}

// LatestHeartbeat 查询某个发出方最近一条心跳；不存在时返回 (nil, nil)
func (r *FlowRepository) LatestHeartbeat(ctx context.Context, role models.EmitterRole) (*models.HeartbeatRecord, error) {
	query := `
		SELECT emitted_at, uptime_seconds, events_processed, last_event_at
		FROM system_heartbeats
		WHERE emitter_role = $1
		ORDER BY emitted_at DESC
		LIMIT 1
	`

	hb := &models.HeartbeatRecord{EmitterRole: role}
	var lastEventAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, string(role)).Scan(
		&hb.EmittedAt,
		&hb.UptimeSeconds,
		&hb.EventsProcessed,
		&lastEventAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("query latest heartbeat", err)
	}
	if lastEventAt.Valid {
		t := lastEventAt.Time
		hb.LastEventAt = &t
	}
	return hb, nil
}

func marshalContext(ctx map[string]interface{}) ([]byte, error) {
	if len(ctx) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
