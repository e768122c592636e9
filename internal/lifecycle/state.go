package lifecycle

import (
	"fmt"
	"time"
)

type State int32

const (
	StateIdle State = iota
	StateConnected
	StateStarted
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateStarted:
		return "started"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateTerminated; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", text)
}

// Shutdown triggers.
const (
	TriggerDisconnect = "disconnect"
	TriggerCancel     = "cancel"
)

type Transition struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	SessionID      string      `json:"session_id"`
	State          State       `json:"state"`
	Room           string      `json:"room,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	Trigger        string      `json:"trigger,omitempty"`
	LastTransition *Transition `json:"last_transition,omitempty"`
	GreetingError  string      `json:"greeting_error,omitempty"`
	ShutdownError  string      `json:"shutdown_error,omitempty"`
}
