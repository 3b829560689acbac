package main

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/sickradar/radar-server/internal/httpapi"
	"github.com/sickradar/radar-server/internal/hub"
	"github.com/sickradar/radar-server/internal/model"
	"github.com/sickradar/radar-server/internal/store"
)

// statusReader is the subset of *acquisition.Loop the health aggregator
// needs; kept narrow so this file doesn't import the acquisition package
// just to name a type.
type statusReader interface {
	StatusRecord() model.StatusRecord
}

// storeConnChecker is the subset of *store.Adapter needed to report store
// health.
type storeConnChecker interface {
	Connected() bool
}

// disabledStore is a null object standing in for the store adapter and its
// async dispatcher when -store-enable=false. It satisfies every interface
// the acquisition loop, health aggregator and HTTP handlers need from a
// store so main doesn't have to nil-guard each call site: persistence is a
// no-op, reads report store_unavailable (the HTTP surface then falls back
// to the in-memory snapshot, per spec.md §7), and health reports the store
// down.
type disabledStore struct{}

func (disabledStore) Connected() bool { return false }

func (disabledStore) Dispatch(model.Frame, []model.ChangeEvent) error { return nil }

func (disabledStore) WriteStatus(context.Context, model.StatusRecord) error { return nil }

func (disabledStore) GetCurrentSnapshot(context.Context) (store.Snapshot, error) {
	return store.Snapshot{}, store.ErrDisconnected
}

func (disabledStore) GetChanges(context.Context, int) ([]store.ChangeRecord, error) {
	return nil, store.ErrDisconnected
}

func (disabledStore) GetChannelHistory(context.Context, int) ([]model.HistoryPoint, error) {
	return nil, store.ErrDisconnected
}

func (disabledStore) GetLatestUpdate(context.Context) ([]store.ChangeRecord, error) {
	return nil, store.ErrDisconnected
}

// serverHealth implements httpapi.HealthAggregator by composing the live
// state already owned by the acquisition loop, store adapter and
// subscriber hub. The advertiser reports its own up/down via an atomic
// flag set once mDNS registration succeeds or fails.
type serverHealth struct {
	loop  statusReader
	store storeConnChecker
	hub   *hub.Hub

	advertiserUp atomic.Bool
}

func newServerHealth(loop statusReader, st storeConnChecker, h *hub.Hub) *serverHealth {
	return &serverHealth{loop: loop, store: st, hub: h}
}

func (s *serverHealth) setAdvertiserUp(up bool) { s.advertiserUp.Store(up) }

// Check implements httpapi.HealthAggregator. The aggregate is "ok" unless
// the sensor or the store is down, per spec §7; the advertiser and
// subscriber hub are reported but never flip the overall verdict since
// their failure is documented as non-fatal.
func (s *serverHealth) Check(_ context.Context) httpapi.HealthReport {
	rec := s.loop.StatusRecord()
	sensorUp := rec.Status == model.StatusOK || rec.Status == model.StatusObstructed
	storeUp := s.store.Connected()

	report := httpapi.HealthReport{
		Healthy: sensorUp && storeUp,
		Acquisition: httpapi.ComponentHealth{
			Healthy: sensorUp,
			Detail:  string(rec.Status),
		},
		Store: httpapi.ComponentHealth{
			Healthy: storeUp,
		},
		Subscribers: httpapi.ComponentHealth{
			Healthy: true,
			Detail:  strconv.Itoa(s.hub.Count()) + " connected",
		},
		Advertiser: httpapi.ComponentHealth{
			Healthy: s.advertiserUp.Load(),
		},
	}
	if !storeUp {
		report.Store.Detail = store.ErrDisconnected.Error()
	}
	return report
}

// ConnectionCount implements httpapi.HealthAggregator.
func (s *serverHealth) ConnectionCount() int { return s.hub.Count() }
