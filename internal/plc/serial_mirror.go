package plc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sickradar/radar-server/internal/logging"
	"github.com/sickradar/radar-server/internal/metrics"
	"github.com/sickradar/radar-server/internal/model"
	"github.com/sickradar/radar-server/internal/serial"
	"github.com/sickradar/radar-server/internal/transport"
)

// ErrMirrorOverflow is returned internally when the write queue is full;
// the mirror swallows it, since a stalled PLC leg must never back up the
// acquisition loop.
var ErrMirrorOverflow = errors.New("plc mirror tx overflow")

// Port abstracts the serial device this mirror writes to, for testability.
// serial.Port (Read/Write/Close) satisfies it.
type Port interface {
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort dials a real serial device via the shared internal/serial
// helper. Overridable in tests.
var OpenPort = func(name string, baud int, writeTimeout time.Duration) (Port, error) {
	return serial.Open(name, baud, writeTimeout)
}

// encodeLine builds the fixed-width ASCII record one mirror write sends: seven
// signed, zero-padded, fixed-precision velocities, newline-terminated.
// Example: "+00.20+00.00-00.10+00.00+00.00+00.00+00.00\n"
func encodeLine(f model.Frame) []byte {
	var b strings.Builder
	for _, v := range f.Velocities {
		fmt.Fprintf(&b, "%+06.2f", v)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// SerialMirror writes the latest velocity vector to a serial-attached PLC
// on every tick, best-effort. Writes are funneled through a single
// goroutine via transport.AsyncTx so a wedged or absent controller never
// stalls the acquisition loop.
type SerialMirror struct {
	port Port
	tx   *transport.AsyncTx[[]byte]
}

// NewSerialMirror opens device at baud and starts the async writer. queueDepth
// bounds how many pending lines may be buffered before writes are dropped.
func NewSerialMirror(ctx context.Context, device string, baud int, writeTimeout time.Duration, queueDepth int) (*SerialMirror, error) {
	port, err := OpenPort(device, baud, writeTimeout)
	if err != nil {
		return nil, fmt.Errorf("plc: open serial device %s: %w", device, err)
	}
	m := &SerialMirror{port: port}
	send := func(payload []byte) error {
		_, err := port.Write(payload)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrPLC)
			logging.L().Warn("plc_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrPLC)
			return ErrMirrorOverflow
		},
	}
	m.tx = transport.NewAsyncTx(ctx, queueDepth, send, hooks)
	return m, nil
}

// OnFrame implements Writer. It never blocks: a full queue drops the line.
func (m *SerialMirror) OnFrame(frame model.Frame) {
	_ = m.tx.Send(encodeLine(frame))
}

// OnChanges implements Writer. The mirror only carries the latest
// velocity vector downstream; individual change events have no separate
// wire representation on this leg.
func (m *SerialMirror) OnChanges(changes []model.ChangeEvent) {}

// Close stops the async writer and closes the underlying port.
func (m *SerialMirror) Close() error {
	m.tx.Close()
	return m.port.Close()
}
