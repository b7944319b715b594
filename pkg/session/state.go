package session

import "time"

// State is the manager's connection state. Exactly one state holds at any
// time; Connected and Connecting are mutually exclusive by construction.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Status is a read-only snapshot of the manager's connection state for UI
// consumption.
type Status struct {
	State             State     `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastAttempt       time.Time `json:"last_attempt,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}
