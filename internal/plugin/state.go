package plugin

// RecordState is the persisted state of an installed plugin.
type RecordState int

// Record states.
const (
	// StateInstalled - validated and recorded, never enabled.
	StateInstalled RecordState = iota

	// StateEnabled - a worker instance is running.
	StateEnabled

	// StateDisabled - stopped on request; can be enabled again.
	StateDisabled

	// StateCrashed - the instance failed; requires Reset before Enable.
	StateCrashed
)

// String returns a string representation of the state.
func (s RecordState) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ParseRecordState converts a name produced by String back to a state.
func ParseRecordState(s string) (RecordState, bool) {
	for _, st := range []RecordState{StateInstalled, StateEnabled, StateDisabled, StateCrashed} {
		if st.String() == s {
			return st, true
		}
	}
	return StateInstalled, false
}

// CanEnable returns true if Enable is permitted from this state.
func (s RecordState) CanEnable() bool {
	return s == StateInstalled || s == StateDisabled
}

// LifecycleState is the state of a running plugin instance.
type LifecycleState int

// Instance lifecycle states.
const (
	LifecycleUninitialized LifecycleState = iota
	LifecycleInitializing
	LifecycleReady
	LifecycleTerminated
	LifecycleCrashed
)

// String returns a string representation of the state.
func (s LifecycleState) String() string {
	switch s {
	case LifecycleUninitialized:
		return "uninitialized"
	case LifecycleInitializing:
		return "initializing"
	case LifecycleReady:
		return "ready"
	case LifecycleTerminated:
		return "terminated"
	case LifecycleCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsLive returns true if the instance can still receive calls.
func (s LifecycleState) IsLive() bool {
	return s == LifecycleInitializing || s == LifecycleReady
}
