package session

import "time"

// EventKind enumerates the session lifecycle notifications.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventUpdated   EventKind = "updated"
	EventCompleted EventKind = "completed"
	EventCancelled EventKind = "cancelled"
	EventError     EventKind = "error"
)

// Event is one session lifecycle notification carrying a snapshot of the
// session at emission time.
type Event struct {
	Kind      EventKind
	Session   WaterSession
	Reason    string
	Timestamp time.Time
}

// EventHandler receives session lifecycle events.
type EventHandler func(Event)

// DeviceHandler receives device liveness updates.
type DeviceHandler func(DeviceStatus)
