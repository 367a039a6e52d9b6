package call

import (
	"fmt"
	"sync"
)

// State is the local lifecycle state of one party's view of a call. It is
// driven by the session loop; the shared record's Status is the cross-party
// projection of it.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// legal lists the forward transitions. ENDED is reachable from everywhere via
// end() and is absorbing: nothing leaves it.
var legal = map[State][]State{
	StateIdle:       {StateDialing, StateRinging},
	StateDialing:    {StateRinging},
	StateRinging:    {StateConnecting},
	StateConnecting: {StateActive},
	StateActive:     {},
	StateEnded:      {},
}

// machine is the pure per-party state machine. It validates transitions and
// nothing else; all side effects live in the session loop.
type machine struct {
	mu    sync.Mutex
	state State
}

func newMachine(initial State) *machine {
	return &machine{state: initial}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) terminal() bool {
	return m.current() == StateEnded
}

// advance moves to next if the transition is legal.
func (m *machine) advance(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range legal[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal call state transition %s -> %s", m.state, next)
}

// end moves to ENDED from any state. It reports whether this call performed
// the transition; a second end is a no-op returning false, which is how the
// termination coordinator detects an already-ended call.
func (m *machine) end() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEnded {
		return false
	}
	m.state = StateEnded
	return true
}
