package wire

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"node.town/rtasr/transcript"
)

// Credentials identify the application to the service.
type Credentials struct {
	AppID     string
	APIKey    string
	APISecret string
}

// Meta is the per-session metadata a profile may embed in the handshake or
// the first frame.
type Meta struct {
	AppID      string
	SessionID  string
	Language   string
	Domain     string
	Accent     string
	SampleRate int
	Format     string
	Encoding   string
	Correction bool
}

func (m Meta) sampleRate() int {
	if m.SampleRate > 0 {
		return m.SampleRate
	}
	return 16000
}

// Handshake is everything needed to open the socket.
type Handshake struct {
	URL       string
	Header    http.Header
	Canonical string
	Signature string
}

// Result is one decoded inbound message. A non-zero Code is a server-side
// error; Segment is nil for messages that carry no text.
type Result struct {
	Code    int
	Message string
	SID     string
	Started bool
	Final   bool
	Segment *transcript.Segment
}

func (r Result) Failed() bool {
	return r.Code != 0
}

// Profile is a vendor's wire shape: how to authenticate, how to wrap
// frames, and how to read results.
type Profile interface {
	Name() string
	Handshake(creds Credentials, meta Meta, now time.Time) (Handshake, error)
	NewEncoder(meta Meta) Encoder
	Decode(data []byte) (Result, error)
}

// CorrectionMode says how a correction marker names the slots it replaces.
type CorrectionMode int

const (
	// CorrectionList treats the marker as an explicit list of sn values.
	CorrectionList CorrectionMode = iota
	// CorrectionRange treats the marker as an inclusive [from, to] range.
	CorrectionRange
)

func (m CorrectionMode) String() string {
	if m == CorrectionRange {
		return "range"
	}
	return "list"
}

func ParseCorrectionMode(s string) (CorrectionMode, error) {
	switch strings.ToLower(s) {
	case "", "list":
		return CorrectionList, nil
	case "range":
		return CorrectionRange, nil
	default:
		return 0, fmt.Errorf("unknown correction mode %q", s)
	}
}

// apply records marker on seg as either a list of slots or a span.
func (m CorrectionMode) apply(seg *transcript.Segment, marker []int) error {
	if len(marker) == 0 {
		return nil
	}
	if m == CorrectionList {
		seg.Replace = marker
		return nil
	}
	if len(marker) != 2 || marker[0] > marker[1] {
		return fmt.Errorf("malformed correction range %v", marker)
	}
	seg.ReplaceSpan = &transcript.Span{From: marker[0], To: marker[1]}
	return nil
}

// ProfileByName returns the profile registered under name. An empty
// endpoint selects the profile's default.
func ProfileByName(name, endpoint string, mode CorrectionMode) (Profile, error) {
	switch strings.ToLower(name) {
	case "iat":
		return &IAT{Endpoint: endpoint, Corrections: mode}, nil
	case "rtasr":
		return &RTASR{Endpoint: endpoint}, nil
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
}

func tokens(words []word) []string {
	var out []string
	for _, w := range words {
		for _, cw := range w.CW {
			out = append(out, cw.W)
		}
	}
	return out
}

type word struct {
	CW []struct {
		W string `json:"w"`
	} `json:"cw"`
}

// flexInt accepts both 0 and "0"; services disagree on how to send codes.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("code %s is not a number", string(b))
	}
	*n = flexInt(v)
	return nil
}
