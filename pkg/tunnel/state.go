package tunnel

import "fmt"

// State is the lifecycle state of one supervised tunnel.
type State int

const (
	// Starting means a process was launched and has not passed a probe yet.
	Starting State = iota

	// Running means the last probe succeeded.
	Running

	// Degraded means the process is alive but recent probes failed.
	Degraded

	// Restarting means the process is being replaced after backoff.
	Restarting

	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for candidate := Starting; candidate <= Stopped; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel state %q", text)
}

// transitions lists the allowed targets of each state, teardown aside.
var transitions = map[State][]State{
	Starting:   {Running, Restarting},
	Running:    {Degraded},
	Degraded:   {Running, Restarting},
	Restarting: {Starting},
}

// CanTransition reports whether from may move to to. Every state but
// Stopped may move to Stopped; Stopped moves nowhere.
func CanTransition(from, to State) bool {
	if from == Stopped {
		return false
	}
	if to == Stopped {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
