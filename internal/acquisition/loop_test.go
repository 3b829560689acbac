package acquisition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sickradar/radar-server/internal/model"
)

type fakeSession struct {
	mu        sync.Mutex
	replies   []replyOrErr
	callCount int
}

type replyOrErr struct {
	reply []byte
	err   error
}

func (f *fakeSession) Connect(context.Context) error { return nil }
func (f *fakeSession) Close() error                  { return nil }

func (f *fakeSession) SendCommand(string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.callCount
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.callCount++
	r := f.replies[idx]
	return r.reply, r.err
}

type fakeDetector struct{}

func (fakeDetector) Update(model.Frame) []model.ChangeEvent { return nil }

type fakeBroadcaster struct {
	mu            sync.Mutex
	statusEvents  []model.StatusRecord
	metricsEvents []model.Frame
}

func (f *fakeBroadcaster) BroadcastMetrics(frame model.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsEvents = append(f.metricsEvents, frame)
}
func (f *fakeBroadcaster) BroadcastChanges([]model.ChangeEvent) {}
func (f *fakeBroadcaster) BroadcastStatus(rec model.StatusRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusEvents = append(f.statusEvents, rec)
}
func (f *fakeBroadcaster) snapshotStatus() []model.StatusRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.StatusRecord(nil), f.statusEvents...)
}

type fakePersister struct{}

func (fakePersister) Dispatch(model.Frame, []model.ChangeEvent) error { return nil }

type fakeStatusDB struct{}

func (fakeStatusDB) WriteStatus(context.Context, model.StatusRecord) error { return nil }

func obstructedReply() []byte {
	return []byte("\x02sRA LMDradardata 1 P3DX1 3A83126F 0 7 0000 0000 0000 0000 0000 0000 0000 V3DX1 3C23D70A 0 7 0000 0000 0000 0000 0000 0000 0000\x03")
}

func nonObstructedReply() []byte {
	return []byte("\x02sRA LMDradardata 1 P3DX1 3A83126F 0 7 0001 01F4 03E8 05DC 07D0 09C4 0BB8 V3DX1 3C23D70A 0 7 0000 FFF6 000A 0000 0014 FFEC 0000\x03")
}

// TestScenarioBObstruction mirrors spec scenario B: an all-zero-position
// reply flips status to obstructed; a subsequent non-zero reply flips it
// back to ok, each transition broadcast exactly once.
func TestScenarioBObstruction(t *testing.T) {
	sess := &fakeSession{replies: []replyOrErr{
		{reply: obstructedReply()},
		{reply: nonObstructedReply()},
	}}
	bc := &fakeBroadcaster{}
	loop := New(sess, fakeDetector{}, bc, fakePersister{}, fakeStatusDB{}, Config{})

	loop.tick(context.Background())
	loop.tick(context.Background())

	events := bc.snapshotStatus()
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 status broadcasts, got %d: %+v", len(events), events)
	}
	if events[0].Status != model.StatusObstructed {
		t.Fatalf("first status broadcast = %v, want obstructed", events[0].Status)
	}
	if events[1].Status != model.StatusOK {
		t.Fatalf("second status broadcast = %v, want ok", events[1].Status)
	}
}

// TestScenarioCTransientDisconnect mirrors spec scenario C: two consecutive
// read failures under max_consecutive_errors=5 publish no comm_failure
// status; the subsequent success publishes status=ok exactly once.
func TestScenarioCTransientDisconnect(t *testing.T) {
	sess := &fakeSession{replies: []replyOrErr{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{reply: nonObstructedReply()},
	}}
	bc := &fakeBroadcaster{}
	loop := New(sess, fakeDetector{}, bc, fakePersister{}, fakeStatusDB{}, Config{
		MaxConsecutiveErrors: 5,
		ReconnectDelay:       time.Millisecond,
	})

	loop.tick(context.Background())
	loop.tick(context.Background())
	loop.tick(context.Background())

	events := bc.snapshotStatus()
	for _, ev := range events {
		if ev.Status == model.StatusCommFailure {
			t.Fatalf("did not expect comm_failure under the error threshold, got %+v", events)
		}
	}
	okCount := 0
	for _, ev := range events {
		if ev.Status == model.StatusOK {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("expected exactly 1 status=ok broadcast on recovery, got %d", okCount)
	}
}

// TestScenarioDSustainedFailure mirrors spec scenario D: six consecutive
// failures with max=5 trips comm_failure with errorCount=6 and the loop
// sleeps the reconnect delay before returning.
func TestScenarioDSustainedFailure(t *testing.T) {
	replies := make([]replyOrErr, 6)
	for i := range replies {
		replies[i] = replyOrErr{err: errors.New("refused")}
	}
	sess := &fakeSession{replies: replies}
	bc := &fakeBroadcaster{}
	loop := New(sess, fakeDetector{}, bc, fakePersister{}, fakeStatusDB{}, Config{
		MaxConsecutiveErrors: 5,
		ReconnectDelay:       10 * time.Millisecond,
	})

	for i := 0; i < 6; i++ {
		loop.tick(context.Background())
	}

	rec := loop.StatusRecord()
	if rec.Status != model.StatusCommFailure {
		t.Fatalf("status = %v, want comm_failure", rec.Status)
	}
	if rec.ConsecutiveErrors != 6 {
		t.Fatalf("consecutive errors = %d, want 6", rec.ConsecutiveErrors)
	}

	events := bc.snapshotStatus()
	if len(events) == 0 {
		t.Fatalf("expected at least one comm_failure broadcast, got none")
	}
	last := events[len(events)-1]
	if last.Status != model.StatusCommFailure || last.ConsecutiveErrors != 6 {
		t.Fatalf("last status broadcast = %+v, want comm_failure with errorCount=6", last)
	}
	for _, ev := range events {
		if ev.Status != model.StatusCommFailure {
			t.Fatalf("unexpected non-comm_failure broadcast while sustained failing: %+v", ev)
		}
	}
}

// TestTickFanOutNotGatedByPersistFailure verifies broadcast happens even though
// persistence is invoked afterward (ordering only; a slow/erroring
// Persister must never block or suppress fan-out).
type erroringPersister struct{ calls int }

func (e *erroringPersister) Dispatch(model.Frame, []model.ChangeEvent) error {
	e.calls++
	return errors.New("boom")
}

func TestTickFanOutNotGatedByPersistFailure(t *testing.T) {
	sess := &fakeSession{replies: []replyOrErr{{reply: nonObstructedReply()}}}
	bc := &fakeBroadcaster{}
	persist := &erroringPersister{}
	loop := New(sess, fakeDetector{}, bc, persist, fakeStatusDB{}, Config{})

	loop.tick(context.Background())

	bc.mu.Lock()
	n := len(bc.metricsEvents)
	bc.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 metrics broadcast despite persist failure, got %d", n)
	}
	if persist.calls != 1 {
		t.Fatalf("expected persist to be invoked once, got %d", persist.calls)
	}
}
