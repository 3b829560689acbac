package radar

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// pipeDialer returns a Dialer that always hands back one side of a net.Pipe,
// keeping the other side for the test to drive as a fake sensor.
func pipeDialer(t *testing.T) (Dialer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	return func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return client, nil
	}, server
}

func TestSessionConnectIdempotent(t *testing.T) {
	dial, server := pipeDialer(t)
	defer server.Close()
	s := NewSession("sensor:2111", WithDialer(dial))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	if !s.Connected() {
		t.Fatalf("expected Connected() to be true after Connect")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect should be a no-op, got %v", err)
	}
}

func TestSessionConnectWrapsDialError(t *testing.T) {
	wantErr := errors.New("refused")
	s := NewSession("sensor:2111", WithDialer(func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, wantErr
	}))
	if err := s.Connect(context.Background()); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestSessionSendCommandFramesPayload(t *testing.T) {
	dial, server := pipeDialer(t)
	defer server.Close()
	s := NewSession("sensor:2111", WithDialer(dial), WithReadTimeout(time.Second))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	go func() {
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		got := buf[:n]
		if len(got) < 2 || got[0] != stx || got[len(got)-1] != etx {
			t.Errorf("frame not STX/ETX delimited: %q", got)
		}
		server.Write([]byte{stx, 'o', 'k', etx})
	}()

	reply, err := s.SendCommand("sMN LMCstartmeas")
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if len(reply) == 0 {
		t.Fatalf("expected non-empty reply")
	}
}

func TestSessionSendCommandNotConnected(t *testing.T) {
	s := NewSession("sensor:2111")
	if _, err := s.SendCommand("x"); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO for unconnected session, got %v", err)
	}
}

func TestSessionSendCommandIOErrorDisconnects(t *testing.T) {
	dial, server := pipeDialer(t)
	s := NewSession("sensor:2111", WithDialer(dial), WithReadTimeout(50*time.Millisecond))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server.Close() // underlying conn now broken for client too

	if _, err := s.SendCommand("x"); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO after peer close, got %v", err)
	}
	if s.Connected() {
		t.Fatalf("expected session to disconnect itself after I/O error")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	dial, server := pipeDialer(t)
	defer server.Close()
	s := NewSession("sensor:2111", WithDialer(dial))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if s.Connected() {
		t.Fatalf("expected Connected() false after Close")
	}
}

func TestSessionCommandsAreSerialized(t *testing.T) {
	dial, server := pipeDialer(t)
	defer server.Close()
	s := NewSession("sensor:2111", WithDialer(dial), WithReadTimeout(time.Second))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		for i := 0; i < 2; i++ {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			_ = n
			server.Write([]byte{stx, 'o', 'k', etx})
		}
	}()

	errs := make(chan error, 2)
	go func() { _, err := s.SendCommand("sRN a"); errs <- err }()
	go func() { _, err := s.SendCommand("sRN b"); errs <- err }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	<-done
}
