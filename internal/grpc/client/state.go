package client

import "time"

type State int

const (
	Disconnected State = iota
	Resolving
	Connecting
	Authenticating
	Connected
	Streaming
	Reconnecting
	Disconnecting
	Error
)

var stateNames = [...]string{
	Disconnected:   "Disconnected",
	Resolving:      "Resolving",
	Connecting:     "Connecting",
	Authenticating: "Authenticating",
	Connected:      "Connected",
	Streaming:      "Streaming",
	Reconnecting:   "Reconnecting",
	Disconnecting:  "Disconnecting",
	Error:          "Error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Online reports whether messages can be sent in this state.
func (s State) Online() bool {
	return s == Connected || s == Streaming
}

// StateChange is delivered to state subscribers on every transition. Message
// and Err are set when entering Error and when a link is lost.
type StateChange struct {
	From    State
	To      State
	Message string
	Err     error
	At      time.Time
}
