package runner

// State is the lifecycle position of one worker invocation.
type State string

const (
	StateNotStarted  State = "not_started"
	StateRunning     State = "running"
	StateExitedOK    State = "exited_ok"
	StateExitedError State = "exited_error"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateExitedOK || s == StateExitedError
}

// CanTransition reports whether s -> to is a legal move.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateNotStarted:
		return to == StateRunning
	case StateRunning:
		return to == StateExitedOK || to == StateExitedError
	default:
		return false
	}
}
