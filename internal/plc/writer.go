// Package plc exposes the notification surface used to mirror acquisition
// results to a downstream industrial controller. Only the interface is a
// hard contract; SerialMirror is the one concrete backing this repo ships.
package plc

import "github.com/sickradar/radar-server/internal/model"

// Writer receives every acquisition tick's frame and the change events it
// produced. Implementations must not block the acquisition loop; anything
// that can stall (I/O, retries) belongs behind an async queue.
type Writer interface {
	OnFrame(frame model.Frame)
	OnChanges(changes []model.ChangeEvent)
}
