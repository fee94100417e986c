package sessions

// State is the lifecycle state of a Session.
type State string

const (
	// StatePending means the session exists but its handshake has not completed.
	StatePending State = "pending"
	// StateActive means the handshake completed and exchanges may flow.
	StateActive State = "active"
	// StateClosing means termination was requested and in-flight exchanges are draining.
	StateClosing State = "closing"
	// StateClosed is terminal.
	StateClosed State = "closed"
)

var transitions = map[State][]State{
	StatePending: {StateActive, StateClosed},
	StateActive:  {StateClosing, StateClosed},
	StateClosing: {StateClosed},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is the final state.
func (s State) Terminal() bool { return s == StateClosed }

func (s State) String() string { return string(s) }
