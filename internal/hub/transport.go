package hub

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sickradar/radar-server/internal/logging"
	"github.com/sickradar/radar-server/internal/metrics"
	"github.com/sickradar/radar-server/internal/model"
)

const (
	// MaxInboundMessageSize bounds a single client-originated frame.
	MaxInboundMessageSize = 512 * 1024

	defaultWriteTimeout = 10 * time.Second

	// DefaultSubscriberPingInterval is the cadence each subscriber
	// transport sends its own WS-level liveness ping on, independent of
	// the hub-wide JSON ping broadcast.
	DefaultSubscriberPingInterval = 30 * time.Second
	// DefaultPongDeadline bounds how long a sent ping may go unanswered
	// before the transport aborts the connection.
	DefaultPongDeadline = 10 * time.Second
)

// SnapshotFunc supplies the frame pushed to a subscriber immediately after
// admission, per the documented admit-then-snapshot sequence.
type SnapshotFunc func() (model.Frame, bool)

// ServeHTTP upgrades an HTTP request to a WebSocket connection, admits the
// resulting subscriber, pushes an initial snapshot, and runs its read/write
// pump pair until either side tears down.
func (h *Hub) ServeHTTP(snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logging.L().Debug("hub: websocket upgrade failed", "error", err)
			metrics.IncError(metrics.ErrHub)
			return
		}
		h.serveConn(conn, snapshot)
	}
}

func (h *Hub) serveConn(conn net.Conn, snapshot SnapshotFunc) {
	sub := h.Admit(h.queueDepth)
	sub.setConn(conn)

	if snapshot != nil {
		if frame, ok := snapshot(); ok {
			h.UnicastSnapshot(sub, frame)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, sub)
	}()

	h.readPump(conn, sub)
	h.Evict(sub)
	conn.Close()
	<-done
}

func (h *Hub) readPump(conn net.Conn, sub *Subscriber) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		select {
		case <-sub.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.L().Debug("hub: read frame error", "error", err)
			}
			return
		}
		if head.Length > MaxInboundMessageSize {
			_, _ = io.CopyN(io.Discard, reader, head.Length)
			continue
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpPong:
			sub.recordPong(time.Now())
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				logging.L().Debug("hub: read message error", "error", err)
				return
			}
			h.Dispatch(sub, payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
				return
			}
		}
	}
}

// writePump drains sub's outbound queue onto the wire and, independent of
// that, runs the per-connection liveness probe: it sends a WS-level ping
// every DefaultSubscriberPingInterval and aborts the connection if the
// corresponding pong has not arrived within DefaultPongDeadline.
func (h *Hub) writePump(conn net.Conn, sub *Subscriber) {
	pingTicker := time.NewTicker(h.subPingInterval)
	defer pingTicker.Stop()
	deadline := time.NewTimer(h.subPingInterval)
	defer deadline.Stop()
	if !deadline.Stop() {
		<-deadline.C
	}

	for {
		select {
		case <-sub.Done():
			return
		case payload, ok := <-sub.out:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				logging.L().Debug("hub: write message error", "error", err)
				return
			}
		case <-pingTicker.C:
			// Only arm the deadline when no earlier ping is still unanswered,
			// so later pings cannot keep pushing an armed deadline out.
			outstanding := sub.pongOverdue()
			sub.recordPingSent(time.Now())
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				logging.L().Debug("hub: ping write error", "error", err)
				return
			}
			if !outstanding {
				deadline.Reset(h.pongDeadline)
			}
		case <-deadline.C:
			if sub.pongOverdue() {
				logging.L().Debug("hub: subscriber pong deadline exceeded, evicting", "id", sub.ID())
				metrics.IncError(metrics.ErrHub)
				// Evict (not just return): Close() tears down the
				// registered conn directly, so readPump's blocked read
				// unblocks immediately instead of waiting on the peer.
				h.Evict(sub)
				return
			}
		}
	}
}
