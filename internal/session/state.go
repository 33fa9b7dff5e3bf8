package session

// State is the lifecycle state of a Session. Transitions go through
// Session methods only, which validate against the transition table, so
// writing to a closed session always surfaces an InvalidTransitionError
// or ErrNotAttachable instead of touching a dead process.
type State string

const (
	// StateInitializing: allocated, subprocess not yet spawned.
	StateInitializing State = "initializing"
	// StateReady: subprocess running, no connection ever bound.
	StateReady State = "ready"
	// StateActive: a connection is bound and relaying.
	StateActive State = "active"
	// StateSuspended: no connection bound; output keeps buffering.
	StateSuspended State = "suspended"
	// StateClosing: teardown begun, subprocess signalled.
	StateClosing State = "closing"
	// StateClosed: subprocess reaped, resources released.
	StateClosed State = "closed"
	// StateErrored: spawn failed; terminal, the session cannot be
	// revived, only recreated under a new id.
	StateErrored State = "errored"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StateInitializing, StateReady, StateActive, StateSuspended,
		StateClosing, StateClosed, StateErrored:
		return true
	}
	return false
}

// Attachable reports whether a connection may bind to a session in this
// state.
func (s State) Attachable() bool {
	switch s {
	case StateReady, StateActive, StateSuspended:
		return true
	}
	return false
}

// Terminal reports whether the state can never be left.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// live reports whether the session still counts against capacity caps.
func (s State) live() bool {
	return !s.Terminal()
}

var validTransitions = map[State][]State{
	StateInitializing: {StateReady, StateErrored},
	StateReady:        {StateActive, StateClosing},
	StateActive:       {StateSuspended, StateClosing},
	StateSuspended:    {StateActive, StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       {},
	StateErrored:      {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
