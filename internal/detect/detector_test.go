package detect

import (
	"testing"
	"time"

	"github.com/sickradar/radar-server/internal/model"
)

func frameWithVelocities(ts time.Time, vel [model.NumChannels]float64) model.Frame {
	return model.Frame{Timestamp: ts, Velocities: vel, Status: model.StatusOK}
}

func TestDetectorInitialStateIsZero(t *testing.T) {
	d := New(DefaultMinDelta)
	snap := d.Snapshot()
	for i, v := range snap {
		if v != 0 {
			t.Fatalf("channel %d initial last value = %v, want 0", i, v)
		}
	}
}

func TestDetectorEmitsOnThresholdBreach(t *testing.T) {
	d := New(0.01)
	now := time.Now()

	var vel [model.NumChannels]float64
	vel[3] = 0.5
	events := d.Update(frameWithVelocities(now, vel))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Channel != 3 || ev.OldValue != 0 || ev.NewValue != 0.5 || ev.Delta != 0.5 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(now) {
		t.Fatalf("event timestamp = %v, want %v", ev.Timestamp, now)
	}
}

func TestDetectorSuppressesBelowThreshold(t *testing.T) {
	d := New(0.01)
	var vel [model.NumChannels]float64
	vel[0] = 0.005
	events := d.Update(frameWithVelocities(time.Now(), vel))
	if len(events) != 0 {
		t.Fatalf("expected no events below Δmin, got %d", len(events))
	}
}

func TestDetectorBoundaryIsInclusive(t *testing.T) {
	d := New(0.01)
	var vel [model.NumChannels]float64
	vel[2] = 0.01
	events := d.Update(frameWithVelocities(time.Now(), vel))
	if len(events) != 1 {
		t.Fatalf("expected delta exactly at Δmin to be inclusive, got %d events", len(events))
	}
}

func TestDetectorUpdatesLastForEveryChannelEvenUnchanged(t *testing.T) {
	d := New(0.01)
	var vel1 [model.NumChannels]float64
	vel1[0] = 1.0
	d.Update(frameWithVelocities(time.Now(), vel1))

	var vel2 [model.NumChannels]float64
	vel2[0] = 1.0 // unchanged
	vel2[1] = 0.02
	events := d.Update(frameWithVelocities(time.Now(), vel2))

	if len(events) != 1 || events[0].Channel != 1 {
		t.Fatalf("expected only channel 1 to emit, got %+v", events)
	}
	snap := d.Snapshot()
	if snap[0] != 1.0 {
		t.Fatalf("channel 0 last value should still be 1.0 after unchanged update, got %v", snap[0])
	}
}

// TestDetectorSuccessivePairsProperty checks the documented property over a
// sequence of frames: a change event for channel i is emitted between
// F_{t-1} and F_t iff |F_t.vel_i - F_{t-1}.vel_i| >= Δmin, and its new_value
// always equals F_t.vel_i.
func TestDetectorSuccessivePairsProperty(t *testing.T) {
	d := New(0.01)
	frames := [][model.NumChannels]float64{
		{0, 0, 0, 0, 0, 0, 0},
		{0.02, 0, -0.03, 0, 0, 0, 0},
		{0.02, 0.5, -0.03, 0.005, 0, 0, 0},
		{0, 0, 0, 0, 0, 0, 0},
	}

	prev := frames[0]
	d.Update(frameWithVelocities(time.Now(), prev))
	for _, next := range frames[1:] {
		ts := time.Now()
		events := d.Update(frameWithVelocities(ts, next))
		seen := map[int]model.ChangeEvent{}
		for _, ev := range events {
			seen[ev.Channel] = ev
		}
		for ch := 0; ch < model.NumChannels; ch++ {
			delta := next[ch] - prev[ch]
			want := delta >= DefaultMinDelta || -delta >= DefaultMinDelta
			ev, got := seen[ch]
			if got != want {
				t.Fatalf("channel %d: event present=%v, want %v (delta=%v)", ch, got, want, delta)
			}
			if got && ev.NewValue != next[ch] {
				t.Fatalf("channel %d: new_value=%v, want %v", ch, ev.NewValue, next[ch])
			}
		}
		prev = next
	}
}
