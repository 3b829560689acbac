// Package detect implements the stateful per-channel velocity change
// detector driven once per Acquisition Loop tick.
package detect

import (
	"sync"

	"github.com/sickradar/radar-server/internal/model"
)

// DefaultMinDelta is Δmin: the minimum absolute velocity change, in m/s,
// required to emit a change event.
const DefaultMinDelta = 0.01

// Detector holds the last published velocity per channel. The zero value is
// not usable; construct with New.
type Detector struct {
	mu       sync.Mutex
	minDelta float64
	last     [model.NumChannels]float64
}

// New constructs a Detector with last_i initialized to 0.0 for every
// channel, as specified.
func New(minDelta float64) *Detector {
	if minDelta <= 0 {
		minDelta = DefaultMinDelta
	}
	return &Detector{minDelta: minDelta}
}

// Update computes Δ_i = new_i - last_i for every channel against frame's
// velocities, emits a ChangeEvent for every channel whose |Δ_i| ≥ Δmin, then
// unconditionally replaces last_i with new_i for every channel — including
// unchanged ones, per the documented invariant.
func (d *Detector) Update(frame model.Frame) []model.ChangeEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []model.ChangeEvent
	for i := 0; i < model.NumChannels; i++ {
		oldV := d.last[i]
		newV := frame.Velocities[i]
		delta := newV - oldV
		if abs(delta) >= d.minDelta {
			events = append(events, model.ChangeEvent{
				Channel:   i,
				OldValue:  oldV,
				NewValue:  newV,
				Delta:     delta,
				Timestamp: frame.Timestamp,
			})
		}
	}
	d.last = frame.Velocities
	return events
}

// Snapshot returns a consistent copy of the last published velocity per
// channel, for diagnostics. Safe for concurrent use with Update.
func (d *Detector) Snapshot() [model.NumChannels]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
