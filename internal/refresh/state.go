package refresh

// State represents the current phase of a tenant's refresh scheduler.
type State int

const (
	// StateIdle means the scheduler is waiting for its next cycle,
	// either on the interval timer or an explicit wake.
	StateIdle State = iota

	// StateScanning means the scheduler is walking the tenant's
	// storage roots and applying size deltas to the model.
	StateScanning

	// StateReconciling means the scheduler is resolving ownership
	// for relations discovered during scans.
	StateReconciling

	// StateLoaded means the scheduler is applying quota assignments
	// from the configuration source.
	StateLoaded

	// StateTerminated means the scheduler has been stopped and will
	// not run further cycles.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateReconciling:
		return "reconciling"
	case StateLoaded:
		return "loaded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the state is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// CanTransitionTo checks if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateIdle:
		// From idle we start a cycle or shut down.
		return target == StateScanning || target == StateTerminated
	case StateScanning:
		// A scan always hands off to reconciliation, even when the
		// walk was cut short.
		return target == StateReconciling
	case StateReconciling:
		return target == StateLoaded
	case StateLoaded:
		// Cycle complete, back to waiting.
		return target == StateIdle
	case StateTerminated:
		// Terminal state, no transitions out.
		return false
	default:
		return false
	}
}
