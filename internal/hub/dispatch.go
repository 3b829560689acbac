package hub

import (
	"encoding/json"

	"github.com/sickradar/radar-server/internal/logging"
	"github.com/sickradar/radar-server/internal/model"
)

// Dispatch routes a subscriber-originated command to the appropriate
// handler. Unknown types produce an error message carrying invalid_format.
func (h *Hub) Dispatch(sub *Subscriber, raw []byte) {
	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		h.unicast(sub, errorMessage{
			Type:      TypeError,
			Timestamp: nowMillis(),
			Error:     "malformed message",
			Data:      errorData{Code: ErrInvalidFormat},
		})
		return
	}

	switch in.Type {
	case CmdGetStatus:
		h.handleGetStatus(sub)
	case CmdGetHistory:
		h.handleGetHistory(sub, in.Index)
	case CmdPing:
		h.handlePing(sub, in.Time)
	default:
		logging.L().Debug("hub: unknown inbound message type", "type", in.Type)
		h.unicast(sub, errorMessage{
			Type:      TypeError,
			Timestamp: nowMillis(),
			Error:     "unknown message type",
			Data:      errorData{Code: ErrInvalidFormat},
		})
	}
}

func (h *Hub) handleGetStatus(sub *Subscriber) {
	h.wireMu.RLock()
	reader := h.status
	h.wireMu.RUnlock()
	if reader == nil {
		h.unicast(sub, statusMessage{Type: TypeStatus, Timestamp: nowMillis(), Status: string(model.StatusUnknown)})
		return
	}
	rec := reader.StatusRecord()
	h.unicast(sub, statusMessage{
		Type:       TypeStatus,
		Timestamp:  nowMillis(),
		Status:     string(rec.Status),
		LastError:  rec.LastError,
		ErrorCount: rec.ConsecutiveErrors,
	})
}

func (h *Hub) handleGetHistory(sub *Subscriber, index int) {
	h.wireMu.RLock()
	historyFn := h.history
	h.wireMu.RUnlock()
	if historyFn == nil {
		h.unicast(sub, errorMessage{
			Type:      TypeError,
			Timestamp: nowMillis(),
			Error:     "history unavailable",
			Data:      errorData{Code: ErrInvalidFormat},
		})
		return
	}
	// Wire index is 0-based ([0,6]); the store's channel history is
	// addressed 1-based ([1,7]).
	points, err := historyFn(index + 1)
	if err != nil {
		h.unicast(sub, errorMessage{
			Type:      TypeError,
			Timestamp: nowMillis(),
			Error:     err.Error(),
			Data:      errorData{Code: ErrInvalidFormat},
		})
		return
	}
	hist := make([]HistoryPoint, len(points))
	for i, p := range points {
		hist[i] = HistoryPoint{Value: p.Value, Timestamp: p.Timestamp.UnixMilli()}
	}
	h.unicast(sub, velocityHistoryMessage{
		Type:      TypeVelocityHistory,
		Timestamp: nowMillis(),
		Index:     index,
		History:   hist,
	})
}

func (h *Hub) handlePing(sub *Subscriber, clientTime int64) {
	h.unicast(sub, pongMessage{
		Type:       TypePong,
		Timestamp:  nowMillis(),
		Time:       clientTime,
		ServerTime: nowMillis(),
	})
}
