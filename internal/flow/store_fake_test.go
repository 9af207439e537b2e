package flow

import (
	"context"
	"sort"
	"sync"
	"time"

	"tickstock-stream/internal/models"
)

// fakeStore 仅用于单元测试（内存审计库，(flow_id, checkpoint) 唯一）
type fakeStore struct {
	mu         sync.Mutex
	records    map[string]models.FlowRecord
	order      []string
	heartbeats []models.HeartbeatRecord
	failing    bool
	inserts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]models.FlowRecord)}
}

func (f *fakeStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeStore) InsertFlowRecord(ctx context.Context, rec *models.FlowRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++
	if f.failing {
		return ErrStoreUnavailable
	}
	key := rec.FlowID + "/" + string(rec.Checkpoint)
	if _, exists := f.records[key]; exists {
		return nil
	}
	f.records[key] = *rec
	f.order = append(f.order, key)
	return nil
}

func (f *fakeStore) FlowsSince(ctx context.Context, since time.Time, limit int) ([]models.FlowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.FlowRecord
	for _, key := range f.order {
		rec := f.records[key]
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) FlowRecords(ctx context.Context, flowID string) ([]models.FlowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return nil, ErrStoreUnavailable
	}
	var out []models.FlowRecord
	for _, key := range f.order {
		if rec := f.records[key]; rec.FlowID == flowID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertHeartbeat(ctx context.Context, hb *models.HeartbeatRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return ErrStoreUnavailable
	}
	f.heartbeats = append(f.heartbeats, *hb)
	return nil
}

func (f *fakeStore) LatestHeartbeat(ctx context.Context, role models.EmitterRole) (*models.HeartbeatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.heartbeats) - 1; i >= 0; i-- {
		if f.heartbeats[i].EmitterRole == role {
			hb := f.heartbeats[i]
			return &hb, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) checkpoints(flowID string) []models.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Checkpoint
	for _, key := range f.order {
		if rec := f.records[key]; rec.FlowID == flowID {
			out = append(out, rec.Checkpoint)
		}
	}
	return out
}
