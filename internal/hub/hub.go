// Package hub implements the realtime subscriber registry: admission,
// eviction, non-blocking broadcast with coalescing, and command dispatch.
package hub

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/sickradar/radar-server/internal/logging"
	"github.com/sickradar/radar-server/internal/metrics"
	"github.com/sickradar/radar-server/internal/model"
)

const (
	// DefaultQueueDepth bounds each subscriber's outbound queue.
	DefaultQueueDepth = 256
	// DefaultPingInterval is the hub-originated liveness cadence.
	DefaultPingInterval = 5 * time.Second
	// CoalesceWindow is the minimum spacing between two metrics broadcasts.
	CoalesceWindow = 50 * time.Millisecond
	// CoalesceVelocityDelta forces a metrics broadcast through the
	// coalescing gate regardless of CoalesceWindow.
	CoalesceVelocityDelta = 0.05
)

// StatusReader answers get_status commands from live acquisition state
// rather than a store round trip. Implemented by the Acquisition Loop.
type StatusReader interface {
	StatusRecord() model.StatusRecord
}

// HistoryFunc answers get_history commands; wraps the store adapter's
// GetChannelHistory without tying this package to its context signature.
type HistoryFunc func(channel int) ([]model.HistoryPoint, error)

// Hub is a registry of realtime subscribers with non-blocking broadcast.
// The zero value is not usable; construct with New.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	queueDepth  int

	subPingInterval time.Duration
	pongDeadline    time.Duration

	wireMu  sync.RWMutex
	status  StatusReader
	history HistoryFunc

	coalesceMu  sync.Mutex
	lastBcast   time.Time
	lastVel     [model.NumChannels]float64
	haveLastVel bool

	nextID uint64
	idMu   sync.Mutex

	closeCh   chan struct{}
	closeOnce sync.Once
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithQueueDepth overrides each subscriber's outbound buffer size.
func WithQueueDepth(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueDepth = n
		}
	}
}

// WithStatusReader wires get_status dispatch to live acquisition state.
func WithStatusReader(r StatusReader) Option {
	return func(h *Hub) { h.status = r }
}

// WithHistoryFunc wires get_history dispatch to the store adapter.
func WithHistoryFunc(f HistoryFunc) Option {
	return func(h *Hub) { h.history = f }
}

// WithSubscriberPingInterval overrides the per-connection WS liveness ping
// cadence (default DefaultSubscriberPingInterval).
func WithSubscriberPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.subPingInterval = d
		}
	}
}

// WithPongDeadline overrides how long a per-connection liveness ping may go
// unanswered before the subscriber is evicted (default DefaultPongDeadline).
func WithPongDeadline(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pongDeadline = d
		}
	}
}

// SetStatusReader wires get_status dispatch after construction, for callers
// whose StatusReader (the Acquisition Loop) is only constructed once it can
// be given this Hub as its Broadcaster.
func (h *Hub) SetStatusReader(r StatusReader) {
	h.wireMu.Lock()
	h.status = r
	h.wireMu.Unlock()
}

// SetHistoryFunc wires get_history dispatch after construction, mirroring
// SetStatusReader.
func (h *Hub) SetHistoryFunc(f HistoryFunc) {
	h.wireMu.Lock()
	h.history = f
	h.wireMu.Unlock()
}

// New constructs an empty Hub and starts its liveness ping loop.
func New(opts ...Option) *Hub {
	h := &Hub{
		subscribers:     make(map[*Subscriber]struct{}),
		queueDepth:      DefaultQueueDepth,
		subPingInterval: DefaultSubscriberPingInterval,
		pongDeadline:    DefaultPongDeadline,
		closeCh:         make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	go h.pingLoop(DefaultPingInterval)
	return h
}

// Close stops the liveness loop and evicts every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closeCh) })
	subs := h.snapshotSubscribers()
	for _, s := range subs {
		h.Evict(s)
	}
}

// Admit registers a new subscriber and sends it a welcome message carrying
// its assigned identifier. The caller is responsible for subsequently
// pushing an initial snapshot (UnicastSnapshot).
func (h *Hub) Admit(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = h.queueDepth
	}
	id := h.assignID()
	sub := newSubscriber(id, bufSize)

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()
	metrics.SetSubscribers(n)

	h.unicast(sub, welcomeMessage{
		Type:      TypeWelcome,
		Timestamp: nowMillis(),
		ClientID:  id,
	})
	return sub
}

// Evict is idempotent: it removes the subscriber from the registry and
// closes its outbound queue; the owning transport tears down on that
// signal.
func (h *Hub) Evict(sub *Subscriber) {
	h.mu.Lock()
	_, existed := h.subscribers[sub]
	if existed {
		delete(h.subscribers, sub)
	}
	n := len(h.subscribers)
	h.mu.Unlock()

	sub.Close()
	if existed {
		metrics.IncEviction()
		metrics.SetSubscribers(n)
	}
}

func (h *Hub) assignID() string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	h.nextID++
	return "sub-" + itoa64(h.nextID)
}

// snapshotSubscribers returns a slice copy of the registry for broadcast,
// matching the registry-read-under-RLock, evict-outside-lock pattern used
// throughout this package.
func (h *Hub) snapshotSubscribers() []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// Count reports the number of admitted subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// broadcastRaw enqueues payload to every subscriber, evicting any whose
// queue is full. Eviction happens after the snapshot is taken, outside the
// registry's read lock.
func (h *Hub) broadcastRaw(payload []byte) {
	subs := h.snapshotSubscribers()
	metrics.IncBroadcast()

	maxDepth := 0
	var toEvict []*Subscriber
	for _, s := range subs {
		select {
		case s.out <- payload:
			if l := len(s.out); l > maxDepth {
				maxDepth = l
			}
		default:
			toEvict = append(toEvict, s)
		}
	}
	if maxDepth > 0 {
		metrics.SetQueueDepthMax(maxDepth)
	}
	for _, s := range toEvict {
		h.Evict(s)
	}
}

func (h *Hub) marshalAndBroadcast(msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.L().Error("hub: marshal broadcast message failed", "error", err)
		metrics.IncError(metrics.ErrHub)
		return
	}
	h.broadcastRaw(payload)
}

// unicast sends directly to a single subscriber, evicting it on overflow.
func (h *Hub) unicast(sub *Subscriber, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.L().Error("hub: marshal unicast message failed", "error", err)
		return
	}
	select {
	case sub.out <- payload:
	default:
		h.Evict(sub)
	}
}

// BroadcastSnapshot sends an unconditional metrics message to every
// subscriber, exempt from coalescing.
func (h *Hub) BroadcastSnapshot(frame model.Frame) {
	h.marshalAndBroadcast(metricsMessage{
		Type:       TypeMetrics,
		Timestamp:  nowMillis(),
		Positions:  frame.Positions,
		Velocities: frame.Velocities,
		Status:     string(frame.Status),
	})
}

// UnicastSnapshot sends an unconditional metrics message to a single
// subscriber; used for the initial push right after admission, so a newly
// connected subscriber's snapshot does not also land on every other one.
func (h *Hub) UnicastSnapshot(sub *Subscriber, frame model.Frame) {
	h.unicast(sub, metricsMessage{
		Type:       TypeMetrics,
		Timestamp:  nowMillis(),
		Positions:  frame.Positions,
		Velocities: frame.Velocities,
		Status:     string(frame.Status),
	})
}

// BroadcastMetrics applies the coalescing gate documented for per-frame
// metric broadcasts: suppressed unless CoalesceWindow has elapsed since the
// previous metrics broadcast, or some channel moved by more than
// CoalesceVelocityDelta.
func (h *Hub) BroadcastMetrics(frame model.Frame) {
	if !h.shouldBroadcastMetrics(frame) {
		metrics.IncCoalesced()
		return
	}
	h.marshalAndBroadcast(metricsMessage{
		Type:       TypeMetrics,
		Timestamp:  nowMillis(),
		Positions:  frame.Positions,
		Velocities: frame.Velocities,
		Status:     string(frame.Status),
	})
}

func (h *Hub) shouldBroadcastMetrics(frame model.Frame) bool {
	h.coalesceMu.Lock()
	defer h.coalesceMu.Unlock()

	now := time.Now()
	if !h.haveLastVel {
		h.haveLastVel = true
		h.lastVel = frame.Velocities
		h.lastBcast = now
		return true
	}

	forced := false
	for i := 0; i < model.NumChannels; i++ {
		if math.Abs(frame.Velocities[i]-h.lastVel[i]) > CoalesceVelocityDelta {
			forced = true
			break
		}
	}

	if !forced && now.Sub(h.lastBcast) < CoalesceWindow {
		return false
	}
	h.lastVel = frame.Velocities
	h.lastBcast = now
	return true
}

// BroadcastChanges sends a velocity_changes batch unconditionally.
func (h *Hub) BroadcastChanges(events []model.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	items := make([]ChangeItem, len(events))
	for i, ev := range events {
		items[i] = ChangeItem{
			Index:       ev.Channel,
			OldValue:    ev.OldValue,
			NewValue:    ev.NewValue,
			ChangeValue: ev.Delta,
			Timestamp:   ev.Timestamp.UnixMilli(),
		}
	}
	h.marshalAndBroadcast(velocityChangesMessage{
		Type:      TypeVelocityChanges,
		Timestamp: nowMillis(),
		Changes:   items,
	})
}

// BroadcastStatus sends a status message unconditionally.
func (h *Hub) BroadcastStatus(rec model.StatusRecord) {
	h.marshalAndBroadcast(statusMessage{
		Type:       TypeStatus,
		Timestamp:  nowMillis(),
		Status:     string(rec.Status),
		LastError:  rec.LastError,
		ErrorCount: rec.ConsecutiveErrors,
	})
}

func (h *Hub) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeCh:
			return
		case <-ticker.C:
			h.marshalAndBroadcast(pingMessage{
				Type:      TypePing,
				Timestamp: nowMillis(),
				Time:      nowMillis(),
			})
		}
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func itoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
