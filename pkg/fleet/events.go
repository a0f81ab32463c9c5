package fleet

import "time"

// EventKind identifies what happened in the fleet.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventSet        EventKind = "set"
	EventFrequency  EventKind = "frequency"
	EventReload     EventKind = "reload"
)

// Event is delivered to callbacks registered with OnEvent.
type Event struct {
	Kind      EventKind `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	Port      string    `json:"port,omitempty"`
	Value     float64   `json:"value"`
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// OnEvent registers a callback invoked after every fleet change. Callbacks
// run synchronously on the goroutine that made the change, without locks
// held.
func (c *Controller) OnEvent(callback func(Event)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, callback)
}

func (c *Controller) emit(events ...Event) {
	if len(events) == 0 {
		return
	}

	c.cbMu.RLock()
	callbacks := make([]func(Event), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.cbMu.RUnlock()

	now := time.Now()
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		for _, cb := range callbacks {
			if cb != nil {
				cb(ev)
			}
		}
	}
}
