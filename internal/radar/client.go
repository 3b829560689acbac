// Package radar owns the TCP session to the SICK radar sensor and the
// framing/decoding of its tokenized ASCII telemetry protocol.
package radar

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	stx = 0x02
	etx = 0x03

	// DefaultHandshakeTimeout bounds Connect.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultReadTimeout bounds a single SendCommand round trip.
	DefaultReadTimeout = 5 * time.Second
	// DefaultReadBufSize bounds a single reply read.
	DefaultReadBufSize = 4096
)

// Dialer abstracts net.DialTimeout for testability.
type Dialer func(network, addr string, timeout time.Duration) (net.Conn, error)

// Session owns one TCP connection to the sensor and serializes commands
// sent over it. The zero value is not usable; construct with NewSession.
type Session struct {
	mu     sync.Mutex
	dial   Dialer
	addr   string
	conn   net.Conn
	reader *bufio.Reader

	handshakeTimeout time.Duration
	readTimeout      time.Duration
	readBufSize      int
}

// Option configures a Session.
type Option func(*Session)

// WithHandshakeTimeout overrides the connect timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithReadTimeout overrides the per-command read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithReadBufSize overrides the maximum reply size read per command.
func WithReadBufSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.readBufSize = n
		}
	}
}

// WithDialer overrides the dial function (used in tests).
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dial = d
		}
	}
}

// NewSession constructs a Session for addr ("host:port"), not yet connected.
func NewSession(addr string, opts ...Option) *Session {
	s := &Session{
		addr:             addr,
		dial:             net.DialTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		readTimeout:      DefaultReadTimeout,
		readBufSize:      DefaultReadBufSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect establishes the TCP session. Idempotent while already connected.
func (s *Session) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := s.dial("tcp", s.addr, s.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	s.conn = conn
	s.reader = bufio.NewReaderSize(conn, s.readBufSize)
	return nil
}

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SendCommand frames payload as STX payload ETX, writes it, then reads up to
// readBufSize bytes of reply within readTimeout. Concurrent calls are
// serialized. Any I/O failure marks the session disconnected.
func (s *Session) SendCommand(payload string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrIO)
	}

	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, stx)
	frame = append(frame, payload...)
	frame = append(frame, etx)

	deadline := time.Now().Add(s.readTimeout)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.disconnectLocked()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		s.disconnectLocked()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		s.disconnectLocked()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	buf := make([]byte, s.readBufSize)
	n, err := s.reader.Read(buf)
	if err != nil && n == 0 {
		s.disconnectLocked()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return buf[:n], nil
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Session) disconnectLocked() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.reader = nil
	return err
}
