package session

import "encoding/json"

// Status is the externally visible state of a [Session].
type Status int

const (
	// StatusIdle is both the initial and the terminal state. No resources
	// are held.
	StatusIdle Status = iota

	// StatusConnecting means the microphone and transport are being acquired.
	StatusConnecting

	// StatusListening means the transport is open and microphone audio is
	// streaming. No synthesized audio is scheduled.
	StatusListening

	// StatusSpeaking means at least one synthesized buffer is scheduled or
	// playing.
	StatusSpeaking

	// StatusError is shown for a fixed delay after a failure, before the
	// session cleans up and returns to idle.
	StatusError
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID     string  `json:"id"`
	Status Status  `json:"status"`
	Active bool    `json:"active"`
	Volume float64 `json:"volume"`
	Err    error   `json:"-"`
}

// MarshalJSON adds the error message, if any, as "error".
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(s)}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}
