// Package acquisition drives the single cooperative tick loop: poll the
// radar, decode, detect changes, fan out, then persist — in that priority
// order, per tick.
package acquisition

import (
	"context"
	"sync"
	"time"

	"github.com/sickradar/radar-server/internal/logging"
	"github.com/sickradar/radar-server/internal/metrics"
	"github.com/sickradar/radar-server/internal/model"
	"github.com/sickradar/radar-server/internal/radar"
)

const (
	// DefaultTickPeriod is the loop's polling cadence (10 Hz).
	DefaultTickPeriod = 100 * time.Millisecond
	// DefaultMaxConsecutiveErrors is the comm_failure threshold.
	DefaultMaxConsecutiveErrors = 5
	// DefaultReconnectDelay is the sleep applied after a comm_failure trip.
	DefaultReconnectDelay = 2 * time.Second
	// PollCommand is the canonical read command sent every tick.
	PollCommand = "sRN LMDradardata"
)

// RadarSession abstracts *radar.Session for testability.
type RadarSession interface {
	Connect(ctx context.Context) error
	SendCommand(payload string) ([]byte, error)
	Close() error
}

// Detector abstracts *detect.Detector.
type Detector interface {
	Update(frame model.Frame) []model.ChangeEvent
}

// Broadcaster abstracts *hub.Hub's fan-out surface.
type Broadcaster interface {
	BroadcastMetrics(model.Frame)
	BroadcastChanges([]model.ChangeEvent)
	BroadcastStatus(model.StatusRecord)
}

// Persister dispatches a tick's frame and change batch to the store
// adapter, synchronously or asynchronously depending on configuration.
type Persister interface {
	Dispatch(frame model.Frame, changes []model.ChangeEvent) error
}

// StatusPersister persists status transitions independent of the regular
// per-frame pipeline, so a comm_failure is recorded even when no frame was
// decoded.
type StatusPersister interface {
	WriteStatus(ctx context.Context, rec model.StatusRecord) error
}

// MetricsHandler is notified with every decoded frame, after fan-out and
// before persistence dispatch. Used by in-process consumers such as the
// optional industrial-controller mirror.
type MetricsHandler func(model.Frame)

// Config configures a Loop.
type Config struct {
	TickPeriod           time.Duration
	MaxConsecutiveErrors int
	ReconnectDelay       time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickPeriod <= 0 || c.TickPeriod > DefaultTickPeriod {
		c.TickPeriod = DefaultTickPeriod
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// Loop is the single cooperative driver. The zero value is not usable;
// construct with New.
type Loop struct {
	session  RadarSession
	detector Detector
	hub      Broadcaster
	persist  Persister
	statusDB StatusPersister
	cfg      Config

	mu        sync.RWMutex
	status    model.StatusRecord
	lastFrame model.Frame
	haveFrame bool

	handlersMu sync.Mutex
	handlers   []MetricsHandler
}

// New constructs a Loop.
func New(session RadarSession, detector Detector, hub Broadcaster, persist Persister, statusDB StatusPersister, cfg Config) *Loop {
	cfg.applyDefaults()
	return &Loop{
		session:  session,
		detector: detector,
		hub:      hub,
		persist:  persist,
		statusDB: statusDB,
		cfg:      cfg,
		status:   model.StatusRecord{Status: model.StatusInitializing},
	}
}

// RegisterMetricsHandler adds an in-process frame observer.
func (l *Loop) RegisterMetricsHandler(fn MetricsHandler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// StatusRecord returns a consistent snapshot of the current status,
// implementing hub.StatusReader.
func (l *Loop) StatusRecord() model.StatusRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// LastFrame returns the most recently decoded frame, if any. Used to seed
// a newly admitted subscriber's initial snapshot.
func (l *Loop) LastFrame() (model.Frame, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastFrame, l.haveFrame
}

// Run ticks at cfg.TickPeriod until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	metrics.IncTick()

	if err := l.session.Connect(ctx); err != nil {
		l.onTransportFailure(ctx, err)
		return
	}

	reply, err := l.session.SendCommand(PollCommand)
	if err != nil {
		l.onTransportFailure(ctx, err)
		return
	}
	l.onTransportSuccess(ctx)

	frame, partial := radar.Decode(reply, time.Now())
	if partial {
		logging.L().Warn("acquisition: partial decode")
	}

	if allZero(frame.Positions) {
		l.setStatus(ctx, model.StatusObstructed)
	} else {
		l.clearObstruction(ctx)
	}

	l.mu.Lock()
	l.lastFrame = frame
	l.haveFrame = true
	l.mu.Unlock()

	events := l.detector.Update(frame)
	metrics.AddChangeEvents(len(events))

	// Fan-out first: persistence latency must never gate subscriber
	// delivery.
	l.hub.BroadcastMetrics(frame)
	if len(events) > 0 {
		l.hub.BroadcastChanges(events)
	}

	l.notifyHandlers(frame)

	if err := l.persist.Dispatch(frame, events); err != nil {
		logging.L().Warn("acquisition: persistence dispatch failed", "error", err)
	}
}

func (l *Loop) onTransportFailure(ctx context.Context, cause error) {
	metrics.IncSensorError()
	metrics.IncError(metrics.ErrConnect)

	l.mu.Lock()
	l.status.ConsecutiveErrors++
	l.status.LastError = cause.Error()
	tripped := l.status.ConsecutiveErrors >= l.cfg.MaxConsecutiveErrors
	if tripped {
		l.status.Status = model.StatusCommFailure
	}
	rec := l.status
	l.mu.Unlock()

	if !tripped {
		return
	}

	l.hub.BroadcastStatus(rec)
	l.persistStatus(ctx, rec)
	logging.L().Error("acquisition: comm_failure threshold exceeded, sleeping before retry",
		"consecutive_errors", rec.ConsecutiveErrors, "delay", l.cfg.ReconnectDelay)

	select {
	case <-ctx.Done():
	case <-time.After(l.cfg.ReconnectDelay):
	}
}

func (l *Loop) onTransportSuccess(ctx context.Context) {
	l.mu.Lock()
	hadFailures := l.status.ConsecutiveErrors > 0
	l.status.ConsecutiveErrors = 0
	l.status.LastError = ""
	if hadFailures {
		l.status.Status = model.StatusOK
	}
	rec := l.status
	l.mu.Unlock()

	if !hadFailures {
		return
	}
	l.hub.BroadcastStatus(rec)
	l.persistStatus(ctx, rec)
}

// setStatus transitions status and broadcasts only when the tag actually
// changes, to avoid rebroadcasting an unchanged obstructed/ok state every
// tick.
func (l *Loop) setStatus(ctx context.Context, status model.Status) {
	l.mu.Lock()
	if l.status.Status == status {
		l.mu.Unlock()
		return
	}
	l.status.Status = status
	rec := l.status
	l.mu.Unlock()

	l.hub.BroadcastStatus(rec)
	l.persistStatus(ctx, rec)
}

// clearObstruction flips status back to ok once a non-zero frame arrives
// after an obstructed reading; any other status (comm_failure,
// initializing) is left alone since obstruction is only ever this loop's
// own override of an ok signal.
func (l *Loop) clearObstruction(ctx context.Context) {
	l.mu.Lock()
	if l.status.Status != model.StatusObstructed {
		l.mu.Unlock()
		return
	}
	l.status.Status = model.StatusOK
	rec := l.status
	l.mu.Unlock()

	l.hub.BroadcastStatus(rec)
	l.persistStatus(ctx, rec)
}

func (l *Loop) persistStatus(ctx context.Context, rec model.StatusRecord) {
	if l.statusDB == nil {
		return
	}
	if err := l.statusDB.WriteStatus(ctx, rec); err != nil {
		logging.L().Warn("acquisition: status persist failed", "error", err)
	}
}

func (l *Loop) notifyHandlers(frame model.Frame) {
	l.handlersMu.Lock()
	handlers := append([]MetricsHandler(nil), l.handlers...)
	l.handlersMu.Unlock()
	for _, h := range handlers {
		h(frame)
	}
}

func allZero(vals [model.NumChannels]float64) bool {
	for _, v := range vals {
		if v != 0 {
			return false
		}
	}
	return true
}
