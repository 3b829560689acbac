package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx is a reusable asynchronous job transmitter that funnels work
// through a single goroutine (fan-in). It provides non-blocking enqueue
// semantics: if the internal buffer is full, Send invokes the configured
// OnDrop hook and returns its error (usually an overflow sentinel). This
// keeps producers — the acquisition loop dispatching persistence batches,
// the PLC mirror dispatching frame writes — from blocking behind a slow or
// wedged downstream.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(job)
//	a.Close()
//
// After Close returns no more jobs will be processed. Close sets the closed
// flag and closes the channel under the same mutex Send holds, so additional
// Send calls after Close return ErrAsyncTxClosed immediately.
//
// Hooks let each caller keep distinct metrics/logging without duplicating
// the goroutine + buffer plumbing.
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (job not applied).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent (best-effort
	// fire-and-forget).
	OnDrop func() error
}

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case job, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(job); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// ErrAsyncTxClosed is returned by Send once Close has been called.
var ErrAsyncTxClosed = errors.New("async tx closed")

// Send queues a job for asynchronous processing, or returns the drop error
// if the buffer is full.
func (a *AsyncTx[T]) Send(job T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- job:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit, including any job it is
// currently sending. The worker's context is canceled first, so jobs still
// queued may be discarded without being sent.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
