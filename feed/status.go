package feed

import "time"

// State is the connection lifecycle state. Exactly one value at a time,
// owned exclusively by the Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"

	// StateFailed is the terminal absorbing state entered once reconnect
	// attempts are exhausted. Recovery requires an external restart.
	StateFailed State = "failed"
)

// Status is a point-in-time snapshot of the connection for consumers.
type Status struct {
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Products  []string  `json:"products"`
}
