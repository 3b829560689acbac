package store

import (
	"context"
	"errors"

	"github.com/sickradar/radar-server/internal/logging"
	"github.com/sickradar/radar-server/internal/metrics"
	"github.com/sickradar/radar-server/internal/model"
	"github.com/sickradar/radar-server/internal/transport"
)

// ErrQueueFull is returned by AsyncAdapter.Dispatch when the write queue has
// no room; the oldest pending batch is not evicted to make room — the new one
// is simply dropped.
var ErrQueueFull = errors.New("store write queue full")

type writeJob struct {
	frame   *model.Frame
	changes []model.ChangeEvent
}

// AsyncAdapter dispatches frame/change pipelines to an Adapter off the
// Acquisition Loop's goroutine, so persistence latency never gates fan-out.
// Ordering per tick is preserved because a single job carries both the
// frame and its change batch through the same underlying AsyncTx channel.
type AsyncAdapter struct {
	adapter *Adapter
	tx      *transport.AsyncTx[writeJob]
}

// NewAsyncAdapter wraps adapter with a bounded async dispatch queue of the
// given depth.
func NewAsyncAdapter(ctx context.Context, adapter *Adapter, queueDepth int) *AsyncAdapter {
	a := &AsyncAdapter{adapter: adapter}
	a.tx = transport.NewAsyncTx(ctx, queueDepth, a.apply, transport.Hooks{
		OnError: func(err error) {
			logging.L().Warn("async store write failed", "error", err)
			metrics.IncStoreWriteError()
			metrics.IncError(metrics.ErrStore)
		},
		OnDrop: func() error {
			logging.L().Warn("async store write queue full, dropping new batch")
			metrics.IncStoreWriteDropped()
			return ErrQueueFull
		},
	})
	return a
}

func (a *AsyncAdapter) apply(job writeJob) error {
	ctx := context.Background()
	if job.frame != nil {
		if err := a.adapter.WriteFrame(ctx, *job.frame); err != nil {
			return err
		}
	}
	if len(job.changes) > 0 {
		if err := a.adapter.WriteChanges(ctx, job.changes); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch enqueues a tick's frame and change batch as a single job.
func (a *AsyncAdapter) Dispatch(frame model.Frame, changes []model.ChangeEvent) error {
	return a.tx.Send(writeJob{frame: &frame, changes: changes})
}

// Close stops the async worker, then the adapter's connectivity prober. The
// queue is not drained: batches still queued when Close is called may be
// discarded without being written.
func (a *AsyncAdapter) Close() {
	a.tx.Close()
	a.adapter.Close()
}
