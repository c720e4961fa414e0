// Package wire encodes audio frames into the envelopes a recognition
// service expects and decodes the result messages it sends back.
package wire

import (
	"errors"
	"fmt"
	"sync"

	"node.town/rtasr/fault"
)

// Role is a frame's position in the audio stream. The values double as
// the status codes of services that flag frames inline.
type Role int

const (
	First Role = iota
	Continue
	Last
)

func (r Role) String() string {
	switch r {
	case First:
		return "first"
	case Continue:
		return "continue"
	case Last:
		return "last"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Frame is one unit of audio on the wire. Payload aliases the caller's
// buffer and must not be modified.
type Frame struct {
	Seq     int
	Payload []byte
	Role    Role
}

// Message is one websocket message.
type Message struct {
	Binary bool
	Data   []byte
}

var ErrSequence = errors.New("frame out of sequence")

// Encoder wraps frames for one session. Frames must arrive as exactly one
// First, any number of Continue and exactly one Last.
type Encoder interface {
	Encode(f Frame) (Message, error)
	SetSessionID(id string)
}

type seqState int

const (
	awaitFirst seqState = iota
	streaming
	finished
)

// sequencer enforces the First → Continue* → Last ordering shared by all
// profiles.
type sequencer struct {
	mu      sync.Mutex
	state   seqState
	lastSeq int
}

func (s *sequencer) advance(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	violation := func(reason string) error {
		return fault.Protocol("encode", fmt.Errorf("%w: %s frame %d %s", ErrSequence, f.Role, f.Seq, reason))
	}

	switch s.state {
	case awaitFirst:
		if f.Role != First {
			return violation("before first frame")
		}
		if f.Seq != 0 {
			return violation("does not start at 0")
		}
		s.state = streaming
	case streaming:
		switch f.Role {
		case First:
			return violation("after stream started")
		case Continue:
		case Last:
			s.state = finished
		default:
			return violation("has unknown role")
		}
		if f.Seq <= s.lastSeq {
			return violation(fmt.Sprintf("not after %d", s.lastSeq))
		}
	case finished:
		return violation("after last frame")
	}

	s.lastSeq = f.Seq
	return nil
}
