package plugin

import "time"

// EventHandler handles plugin manager events.
// Handlers must be non-blocking and should not call back into the Manager
// to avoid deadlocks. Panics in handlers are recovered.
type EventHandler func(event ManagerEvent)

// ManagerEvent represents a plugin manager event.
type ManagerEvent struct {
	Type     ManagerEventType
	Plugin   string
	Instance string
	Error    error
	Time     time.Time
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventInstalled is emitted when a plugin is installed.
	EventInstalled ManagerEventType = iota
	// EventUninstalled is emitted when a plugin is removed.
	EventUninstalled
	// EventEnabled is emitted when a plugin instance is ready.
	EventEnabled
	// EventDisabled is emitted when a plugin instance is stopped on request.
	EventDisabled
	// EventReloaded is emitted after a plugin was reloaded from disk.
	EventReloaded
	// EventCrashed is emitted when a plugin transitions to crashed.
	EventCrashed
	// EventFault is emitted once for an asynchronous fault inside a sandbox.
	EventFault
	// EventReset is emitted when a crashed plugin is reset.
	EventReset
	// EventSecurityViolation is emitted for every refused confinement check.
	EventSecurityViolation
)

// String returns a string representation of the event type.
func (t ManagerEventType) String() string {
	switch t {
	case EventInstalled:
		return "installed"
	case EventUninstalled:
		return "uninstalled"
	case EventEnabled:
		return "enabled"
	case EventDisabled:
		return "disabled"
	case EventReloaded:
		return "reloaded"
	case EventCrashed:
		return "crashed"
	case EventFault:
		return "fault"
	case EventReset:
		return "reset"
	case EventSecurityViolation:
		return "security_violation"
	default:
		return "unknown"
	}
}
