package archive

import "fmt"

// State is the lifecycle of one export stream.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFinalized
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateErrored
}

// transition moves from one state to the next, refusing to leave a terminal state.
func (s *State) transition(to State) error {
	if s.Terminal() {
		return fmt.Errorf("archive: cannot move from %s to %s", *s, to)
	}
	if to == StateIdle || (to == StateFinalized && *s != StateStreaming) {
		return fmt.Errorf("archive: invalid transition %s to %s", *s, to)
	}
	*s = to
	return nil
}
