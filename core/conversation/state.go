package conversation

import "sync/atomic"

type State int32

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stateMachine holds the conversation state. Once terminated it never
// changes again.
type stateMachine struct {
	value atomic.Int32
}

func (m *stateMachine) get() State { return State(m.value.Load()) }

// set moves to next and reports whether it did.
func (m *stateMachine) set(next State) bool {
	for {
		current := m.value.Load()
		if State(current) == StateTerminated {
			return false
		}
		if m.value.CompareAndSwap(current, int32(next)) {
			return true
		}
	}
}

// transition moves from one specific state to another.
func (m *stateMachine) transition(from, to State) bool {
	if from == StateTerminated {
		return false
	}
	return m.value.CompareAndSwap(int32(from), int32(to))
}
