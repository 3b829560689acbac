package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sickradar/radar-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"ticks", snap.Ticks,
					"sensor_errors", snap.SensorErrors,
					"change_events", snap.ChangeEvents,
					"store_errors", snap.StoreErrors,
					"store_drops", snap.StoreDrops,
					"broadcasts", snap.Broadcasts,
					"coalesced", snap.Coalesced,
					"evictions", snap.Evictions,
					"subscribers", snap.Subscribers,
					"queue_depth_max", snap.QueueDepthMax,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
