package session

import "fmt"

// State is where a session is in its lifecycle.
type State int

const (
	Idle State = iota
	Authenticating
	Connecting
	Streaming
	Draining
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
