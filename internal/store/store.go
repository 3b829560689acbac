// Package store adapts the time-series persistence contract onto a
// key/value store with sorted-set semantics. It never exposes the
// underlying client; callers only see frames, change events, and history.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sickradar/radar-server/internal/logging"
	"github.com/sickradar/radar-server/internal/metrics"
	"github.com/sickradar/radar-server/internal/model"
)

const (
	// DefaultNamespace prefixes every key the adapter writes or reads.
	DefaultNamespace = "radar_sick"
	// DefaultHistoryCap bounds the posN/velN:history rings.
	DefaultHistoryCap = 1000
	// DefaultChangeCap bounds the velN:changes and velocity_changes rings.
	DefaultChangeCap = 100
	// DefaultChangesLimit is get_changes' default result size.
	DefaultChangesLimit = 50

	defaultProbeInterval = 5 * time.Second
)

// ChangeRecord is the JSON shape persisted per change event and returned by
// GetChanges; it mirrors the velocity_changes wire payload.
type ChangeRecord struct {
	Index       int     `json:"index"`
	OldValue    float64 `json:"old_value"`
	NewValue    float64 `json:"new_value"`
	ChangeValue float64 `json:"change_value"`
	Timestamp   int64   `json:"timestamp"`
}

// Snapshot is the result of GetCurrentSnapshot.
type Snapshot struct {
	Status     model.Status
	Timestamp  int64
	Positions  [model.NumChannels]float64
	Velocities [model.NumChannels]float64
}

// Config configures an Adapter.
type Config struct {
	Namespace     string
	HistoryCap    int64
	ChangeCap     int64
	ProbeInterval time.Duration
}

// Adapter wraps a redis.Cmdable (satisfied by *redis.Client, and by a
// miniredis-backed client in tests) with the documented write/read
// contract. The zero value is not usable; construct with New.
type Adapter struct {
	rdb        redis.Cmdable
	keys       keys
	historyCap int64
	changeCap  int64

	connected atomic.Bool
	closeCh   chan struct{}
}

// New constructs an Adapter around an existing redis.Cmdable. Callers own
// the lifetime of rdb; Close only stops the background connectivity prober.
func New(rdb redis.Cmdable, cfg Config) *Adapter {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.ChangeCap <= 0 {
		cfg.ChangeCap = DefaultChangeCap
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	a := &Adapter{
		rdb:        rdb,
		keys:       newKeys(cfg.Namespace),
		historyCap: cfg.HistoryCap,
		changeCap:  cfg.ChangeCap,
		closeCh:    make(chan struct{}),
	}
	a.connected.Store(true)
	go a.probeLoop(cfg.ProbeInterval)
	return a
}

// Connected reports the adapter's last-observed connectivity state.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Close stops the background prober. It does not close the underlying
// client, which the caller constructed and owns.
func (a *Adapter) Close() {
	select {
	case <-a.closeCh:
	default:
		close(a.closeCh)
	}
}

func (a *Adapter) probeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval/2)
			err := a.rdb.Ping(ctx).Err()
			cancel()
			a.setConnected(err == nil)
		}
	}
}

func (a *Adapter) setConnected(ok bool) {
	if a.connected.Swap(ok) != ok && !ok {
		logging.L().Warn("store adapter marked disconnected")
		metrics.IncError(metrics.ErrStore)
	}
}

// WriteFrame composes the per-frame pipeline: current scalars, history ring
// appends, and ring trims. A failure marks the adapter disconnected and
// returns an error; the caller (the Acquisition Loop) must not let this
// gate fan-out.
func (a *Adapter) WriteFrame(ctx context.Context, frame model.Frame) error {
	ts := frame.Timestamp.UnixMilli()
	score := float64(ts)

	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, a.keys.status(), string(frame.Status), 0)
	pipe.Set(ctx, a.keys.timestamp(), ts, 0)
	for i := 0; i < model.NumChannels; i++ {
		n := i + 1
		pipe.Set(ctx, a.keys.pos(n), frame.Positions[i], 0)
		pipe.Set(ctx, a.keys.vel(n), frame.Velocities[i], 0)

		posKey := a.keys.posHistory(n)
		pipe.ZAdd(ctx, posKey, redis.Z{Score: score, Member: frame.Positions[i]})
		trimRing(ctx, pipe, posKey, a.historyCap)

		velKey := a.keys.velHistory(n)
		pipe.ZAdd(ctx, velKey, redis.Z{Score: score, Member: frame.Velocities[i]})
		trimRing(ctx, pipe, velKey, a.historyCap)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		a.setConnected(false)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	a.setConnected(true)
	return nil
}

// WriteChanges composes the per-change-batch pipeline: a detail scalar per
// event, per-channel and global index appends, ring trims, and per-channel
// counters, then stamps latest_update.
func (a *Adapter) WriteChanges(ctx context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := a.rdb.TxPipeline()
	batch := make([]ChangeRecord, 0, len(events))
	for _, ev := range events {
		n := ev.Channel + 1
		ts := ev.Timestamp.UnixMilli()
		rec := ChangeRecord{
			Index:       ev.Channel,
			OldValue:    ev.OldValue,
			NewValue:    ev.NewValue,
			ChangeValue: ev.Delta,
			Timestamp:   ts,
		}
		batch = append(batch, rec)

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal change record: %w", err)
		}
		changeKey := a.keys.velChange(n, ts)
		pipe.Set(ctx, changeKey, payload, 0)

		score := float64(ts)
		pipe.ZAdd(ctx, a.keys.velChanges(n), redis.Z{Score: score, Member: changeKey})
		trimRing(ctx, pipe, a.keys.velChanges(n), a.changeCap)

		pipe.ZAdd(ctx, a.keys.velocityChanges(), redis.Z{Score: score, Member: changeKey})
		trimRing(ctx, pipe, a.keys.velocityChanges(), a.changeCap)

		pipe.Incr(ctx, a.keys.changeCount(n))
	}
	if batchJSON, err := json.Marshal(batch); err == nil {
		pipe.Set(ctx, a.keys.latestUpdate(), batchJSON, 0)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		a.setConnected(false)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	a.setConnected(true)
	return nil
}

// WriteStatus persists the status record outside the per-frame pipeline,
// used by the Acquisition Loop on status transitions (ok/obstructed/
// comm_failure) independent of whether a frame was successfully decoded.
func (a *Adapter) WriteStatus(ctx context.Context, rec model.StatusRecord) error {
	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, a.keys.status(), string(rec.Status), 0)
	pipe.Set(ctx, a.keys.lastError(), rec.LastError, 0)
	pipe.Set(ctx, a.keys.consecutiveErrors(), rec.ConsecutiveErrors, 0)
	_, err := pipe.Exec(ctx)
	if err != nil {
		a.setConnected(false)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	a.setConnected(true)
	return nil
}

// trimRing keeps the highest-scored cap entries of a sorted set, removing
// everything below rank -(cap+1).. -cap-1 i.e. ranks [0, len-cap).
func trimRing(ctx context.Context, pipe redis.Pipeliner, key string, cap int64) {
	pipe.ZRemRangeByRank(ctx, key, 0, -cap-1)
}

// GetCurrentSnapshot returns status, timestamp, and all fourteen channel
// values. Missing keys default to zero; a missing status defaults to
// "unknown".
func (a *Adapter) GetCurrentSnapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Status: model.StatusUnknown}

	statusStr, err := a.rdb.Get(ctx, a.keys.status()).Result()
	if err == nil {
		snap.Status = model.Status(statusStr)
	} else if err != redis.Nil {
		return snap, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	if ts, err := a.rdb.Get(ctx, a.keys.timestamp()).Int64(); err == nil {
		snap.Timestamp = ts
	} else if err != redis.Nil {
		return snap, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	for i := 0; i < model.NumChannels; i++ {
		n := i + 1
		if v, err := a.rdb.Get(ctx, a.keys.pos(n)).Float64(); err == nil {
			snap.Positions[i] = v
		} else if err != redis.Nil {
			return snap, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		if v, err := a.rdb.Get(ctx, a.keys.vel(n)).Float64(); err == nil {
			snap.Velocities[i] = v
		} else if err != redis.Nil {
			return snap, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}
	return snap, nil
}

// GetLatestUpdate returns the most recent change batch written by
// WriteChanges, or nil if none has been written yet.
func (a *Adapter) GetLatestUpdate(ctx context.Context) ([]ChangeRecord, error) {
	payload, err := a.rdb.Get(ctx, a.keys.latestUpdate()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	var batch []ChangeRecord
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		return nil, fmt.Errorf("unmarshal latest update: %w", err)
	}
	return batch, nil
}

// GetChanges returns the newest limit change events in descending
// timestamp order.
func (a *Adapter) GetChanges(ctx context.Context, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = DefaultChangesLimit
	}
	members, err := a.rdb.ZRevRange(ctx, a.keys.velocityChanges(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	payloads, err := a.rdb.MGet(ctx, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	out := make([]ChangeRecord, 0, len(payloads))
	for _, p := range payloads {
		s, ok := p.(string)
		if !ok {
			continue
		}
		var rec ChangeRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetChannelHistory returns all entries for 1-indexed channel n in
// ascending timestamp order. n must be in [1,7].
func (a *Adapter) GetChannelHistory(ctx context.Context, n int) ([]model.HistoryPoint, error) {
	if n < 1 || n > model.NumChannels {
		return nil, ErrBadArgument
	}
	zs, err := a.rdb.ZRangeWithScores(ctx, a.keys.velHistory(n), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	out := make([]model.HistoryPoint, 0, len(zs))
	for _, z := range zs {
		val, err := parseFloatMember(z.Member)
		if err != nil {
			continue
		}
		out = append(out, model.HistoryPoint{
			Value:     val,
			Timestamp: time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}

func parseFloatMember(member interface{}) (float64, error) {
	switch v := member.(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected member type %T", member)
	}
}
