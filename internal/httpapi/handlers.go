package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sickradar/radar-server/internal/model"
	"github.com/sickradar/radar-server/internal/store"
)

// StatusProvider answers /api/status from live acquisition state.
type StatusProvider interface {
	StatusRecord() model.StatusRecord
}

// StoreReader answers the cold-fetch endpoints.
type StoreReader interface {
	GetCurrentSnapshot(ctx context.Context) (store.Snapshot, error)
	GetChanges(ctx context.Context, limit int) ([]store.ChangeRecord, error)
	GetChannelHistory(ctx context.Context, n int) ([]model.HistoryPoint, error)
	GetLatestUpdate(ctx context.Context) ([]store.ChangeRecord, error)
}

// SnapshotProvider supplies the most recently decoded in-memory frame,
// owned by the Acquisition Loop. GET /api/current falls back to it when the
// store is unavailable, per spec.md §7 ("the surface then falls back to an
// in-memory snapshot where available").
type SnapshotProvider interface {
	LastFrame() (model.Frame, bool)
}

// Handlers implements every documented request/response endpoint.
type Handlers struct {
	info     Info
	status   StatusProvider
	store    StoreReader
	snapshot SnapshotProvider
	health   HealthAggregator
	started  time.Time
}

// NewHandlers constructs Handlers; started marks server boot time for the
// /info uptime field.
func NewHandlers(info Info, status StatusProvider, store StoreReader, snapshot SnapshotProvider, health HealthAggregator) *Handlers {
	return &Handlers{info: info, status: status, store: store, snapshot: snapshot, health: health, started: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health serves GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Info serves GET /info.
func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        h.info.Name,
		"version":     h.info.Version,
		"address":     h.info.Addr,
		"uptime":      time.Since(h.started).String(),
		"connections": h.health.ConnectionCount(),
	})
}

// Discover serves GET /api/discover for clients that fail multicast
// discovery.
func (h *Handlers) Discover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        h.info.Name,
		"ip":          hostOf(h.info.Addr),
		"port":        portOf(h.info.Addr),
		"wsUrl":       "ws://" + h.info.Addr + h.info.WSPath,
		"apiUrl":      "http://" + h.info.Addr + h.info.APIPath,
		"version":     h.info.Version,
		"wsEndpoint":  h.info.WSPath,
		"apiEndpoint": h.info.APIPath,
	})
}

// Status serves GET /api/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	rec := h.status.StatusRecord()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            rec.Status,
		"lastError":         rec.LastError,
		"consecutiveErrors": rec.ConsecutiveErrors,
	})
}

// Current serves GET /api/current. On a store_unavailable error it falls
// back to the Acquisition Loop's in-memory last frame, if one has been
// decoded yet.
func (h *Handlers) Current(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetCurrentSnapshot(r.Context())
	if err != nil {
		if h.snapshot != nil {
			if frame, ok := h.snapshot.LastFrame(); ok {
				writeJSON(w, http.StatusOK, snapshotFromFrame(frame))
				return
			}
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// snapshotFromFrame adapts an in-memory frame to the same shape GET
// /api/current returns from the store, so callers see one response schema
// regardless of which source answered.
func snapshotFromFrame(f model.Frame) store.Snapshot {
	return store.Snapshot{
		Status:     f.Status,
		Timestamp:  f.Timestamp.UnixMilli(),
		Positions:  f.Positions,
		Velocities: f.Velocities,
	}
}

// VelocityChanges serves GET /api/velocity-changes.
func (h *Handlers) VelocityChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.store.GetChanges(r.Context(), store.DefaultChangesLimit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// VelocityHistory serves GET /api/velocity-history/{n}.
func (h *Handlers) VelocityHistory(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 || n > model.NumChannels {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_argument"})
		return
	}
	hist, err := h.store.GetChannelHistory(r.Context(), n)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"index": n, "history": hist})
}

// LatestUpdate serves GET /api/latest-update.
func (h *Handlers) LatestUpdate(w http.ResponseWriter, r *http.Request) {
	batch, err := h.store.GetLatestUpdate(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": batch})
}
