package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"tickstock-stream/internal/aggregator"
	"tickstock-stream/internal/flow"
	"tickstock-stream/internal/models"

	"go.uber.org/zap"
)

const defaultFlowWindow = time.Hour

// FlowQuerier 审计记录读取（flow.Recorder 实现）
type FlowQuerier interface {
	FlowsSince(ctx context.Context, since time.Time, limit int) ([]models.FlowRecord, error)
	FlowRecords(ctx context.Context, flowID string) ([]models.FlowRecord, error)
	LatestCheckpoint(ctx context.Context, flowID string) (*models.FlowRecord, error)
}

// FlowHandler /flows* 处理器
type FlowHandler struct {
	flows  FlowQuerier
	logger *zap.Logger
	now    func() time.Time
}

func NewFlowHandler(flows FlowQuerier, logger *zap.Logger) *FlowHandler {
	return &FlowHandler{flows: flows, logger: logger, now: time.Now}
}

type flowListResponse struct {
	Flows []models.FlowRecord `json:"flows"`
	Count int                 `json:"count"`
	Since time.Time           `json:"since"`
}

type flowDetailResponse struct {
	FlowID  string              `json:"flow_id"`
	Records []models.FlowRecord `json:"records"`
	Latest  *models.FlowRecord  `json:"latest"`
	Latency *models.FlowLatency `json:"latency"`
}

func (h *FlowHandler) listParams(r *http.Request) (time.Time, int, error) {
	since, err := parseTimeParam(r, "since", h.now().Add(-defaultFlowWindow))
	if err != nil {
		return time.Time{}, 0, err
	}
	limit, err := parseIntParam(r, "limit", aggregator.DefaultLimit)
	if err != nil {
		return time.Time{}, 0, err
	}
	if limit <= 0 || limit > aggregator.MaxLimit {
		return time.Time{}, 0, invalid("limit must be between 1 and %d", aggregator.MaxLimit)
	}
	return since, limit, nil
}

// List GET /flows?since=&limit=
func (h *FlowHandler) List(w http.ResponseWriter, r *http.Request) {
	since, limit, err := h.listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := h.flows.FlowsSince(r.Context(), since, limit)
	if err != nil {
		h.logger.Warn("Failed to list flows", zap.Error(err))
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.FlowRecord{}
	}
	writeJSON(w, http.StatusOK, flowListResponse{Flows: records, Count: len(records), Since: since})
}

// Get GET /flows/{flow_id}
func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request, flowID string) {
	records, err := h.flows.FlowRecords(r.Context(), flowID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(records) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: flow.ErrFlowNotFound.Error()})
		return
	}

	latest, err := h.flows.LatestCheckpoint(r.Context(), flowID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flowDetailResponse{
		FlowID:  flowID,
		Records: records,
		Latest:  latest,
		Latency: flow.LatencyOf(flowID, records),
	})
}

// Export GET /flows/export?since=&limit= 导出 XLSX
func (h *FlowHandler) Export(w http.ResponseWriter, r *http.Request) {
	since, limit, err := h.listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := h.flows.FlowsSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := flow.ExportXLSX(&buf, records); err != nil {
		h.logger.Error("Failed to export flows", zap.Error(err))
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=flow-records.xlsx")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
