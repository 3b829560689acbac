package store

import (
	"context"
	"testing"
	"time"
)

func TestAsyncAdapterDispatchesWrites(t *testing.T) {
	a, _ := newTestAdapter(t)
	async := NewAsyncAdapter(context.Background(), a, 4)
	defer async.Close()

	frame := sampleFrame(time.Now())
	if err := async.Dispatch(frame, nil); err != nil {
		t.Fatalf("unexpected dispatch error: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		snap, err := a.GetCurrentSnapshot(context.Background())
		if err == nil && snap.Status == frame.Status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("async write did not land within deadline")
}
