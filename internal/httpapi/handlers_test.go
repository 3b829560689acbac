package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/sickradar/radar-server/internal/model"
	"github.com/sickradar/radar-server/internal/store"
)

type fakeStatusProvider struct{ rec model.StatusRecord }

func (f fakeStatusProvider) StatusRecord() model.StatusRecord { return f.rec }

type fakeStoreReader struct {
	snap    store.Snapshot
	changes []store.ChangeRecord
	history map[int][]model.HistoryPoint
	err     error
}

func (f fakeStoreReader) GetCurrentSnapshot(context.Context) (store.Snapshot, error) {
	return f.snap, f.err
}
func (f fakeStoreReader) GetChanges(context.Context, int) ([]store.ChangeRecord, error) {
	return f.changes, f.err
}
func (f fakeStoreReader) GetChannelHistory(_ context.Context, n int) ([]model.HistoryPoint, error) {
	return f.history[n], f.err
}
func (f fakeStoreReader) GetLatestUpdate(context.Context) ([]store.ChangeRecord, error) {
	return f.changes, f.err
}

type fakeHealth struct{ report HealthReport }

func (f fakeHealth) Check(context.Context) HealthReport { return f.report }
func (f fakeHealth) ConnectionCount() int               { return 3 }

type fakeSnapshotProvider struct {
	frame model.Frame
	ok    bool
}

func (f fakeSnapshotProvider) LastFrame() (model.Frame, bool) { return f.frame, f.ok }

func newTestHandlers() *Handlers {
	return NewHandlers(
		Info{Name: "radar", Version: "1.0.0", Addr: "127.0.0.1:8080", WSPath: "/ws", APIPath: "/api"},
		fakeStatusProvider{rec: model.StatusRecord{Status: model.StatusOK}},
		fakeStoreReader{
			snap:    store.Snapshot{Status: model.StatusOK},
			changes: []store.ChangeRecord{{Index: 1, NewValue: 0.2}},
			history: map[int][]model.HistoryPoint{1: {{Value: 1.0}}},
		},
		fakeSnapshotProvider{},
		fakeHealth{report: HealthReport{Healthy: true}},
	)
}

func TestHandlersStatus(t *testing.T) {
	h := newTestHandlers()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != string(model.StatusOK) {
		t.Fatalf("unexpected status body: %v", body)
	}
}

func TestHandlersVelocityHistoryBadArgument(t *testing.T) {
	h := newTestHandlers()
	r := chi.NewRouter()
	r.Get("/api/velocity-history/{n}", h.VelocityHistory)

	req := httptest.NewRequest(http.MethodGet, "/api/velocity-history/9", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400 for out-of-range channel", rec.Code)
	}
}

func TestHandlersVelocityHistoryValid(t *testing.T) {
	h := newTestHandlers()
	r := chi.NewRouter()
	r.Get("/api/velocity-history/{n}", h.VelocityHistory)

	req := httptest.NewRequest(http.MethodGet, "/api/velocity-history/1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
}

func TestHandlersHealthUnhealthyReturns503(t *testing.T) {
	h := NewHandlers(
		Info{Name: "radar", Version: "1.0.0", Addr: "127.0.0.1:8080", WSPath: "/ws", APIPath: "/api"},
		fakeStatusProvider{rec: model.StatusRecord{Status: model.StatusOK}},
		fakeStoreReader{},
		fakeSnapshotProvider{},
		fakeHealth{report: HealthReport{Healthy: false}},
	)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503", rec.Code)
	}
}

func TestHandlersCurrentFallsBackToInMemorySnapshotOnStoreError(t *testing.T) {
	h := NewHandlers(
		Info{Name: "radar", Version: "1.0.0", Addr: "127.0.0.1:8080", WSPath: "/ws", APIPath: "/api"},
		fakeStatusProvider{rec: model.StatusRecord{Status: model.StatusOK}},
		fakeStoreReader{err: store.ErrDisconnected},
		fakeSnapshotProvider{frame: model.Frame{Status: model.StatusOK, Velocities: [model.NumChannels]float64{0.2}}, ok: true},
		fakeHealth{report: HealthReport{Healthy: false}},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/current", nil)
	rec := httptest.NewRecorder()
	h.Current(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200 from in-memory fallback", rec.Code)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != model.StatusOK || snap.Velocities[0] != 0.2 {
		t.Fatalf("unexpected fallback snapshot: %+v", snap)
	}
}

func TestHandlersCurrentReturns503WhenNoFallbackAvailable(t *testing.T) {
	h := NewHandlers(
		Info{Name: "radar", Version: "1.0.0", Addr: "127.0.0.1:8080", WSPath: "/ws", APIPath: "/api"},
		fakeStatusProvider{rec: model.StatusRecord{Status: model.StatusOK}},
		fakeStoreReader{err: store.ErrDisconnected},
		fakeSnapshotProvider{ok: false},
		fakeHealth{report: HealthReport{Healthy: false}},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/current", nil)
	rec := httptest.NewRecorder()
	h.Current(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503 when no fallback frame exists", rec.Code)
	}
}
