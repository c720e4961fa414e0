// Package transcript merges the self-correcting stream of partial results
// into the current best transcript.
package transcript

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"node.town/rtasr/fault"
)

var ErrFinalized = errors.New("result received after final")

// Span is an inclusive range of slots.
type Span struct {
	From, To int
}

func (s Span) contains(sn int) bool {
	return sn >= s.From && sn <= s.To
}

// Segment is one word group reported by the service. SN is the slot the
// service assigned to it; Replace lists earlier slots the segment supersedes
// and ReplaceSpan, when set, names them as a range instead.
type Segment struct {
	SN          int
	Tokens      []string
	Replace     []int
	ReplaceSpan *Span
}

// Corrects reports whether the segment supersedes earlier slots.
func (s Segment) Corrects() bool {
	return len(s.Replace) > 0 || s.ReplaceSpan != nil
}

func (s Segment) Text() string {
	return strings.Join(s.Tokens, "")
}

// Reconciler holds the live segment set of one session.
//
// The transcript is rendered from scratch on every Apply so that arbitrary
// correction patterns cannot leave stale text behind.
type Reconciler struct {
	mu          sync.RWMutex
	live        map[int]Segment
	text        string
	final       bool
	corrections int
}

func NewReconciler() *Reconciler {
	return &Reconciler{live: make(map[int]Segment)}
}

// Apply removes the slots seg replaces, stores seg under its SN and returns
// the merged transcript.
func (r *Reconciler) Apply(seg Segment) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.final {
		return r.text, fault.Protocol("apply", ErrFinalized)
	}

	if seg.Corrects() {
		r.corrections++
		for _, sn := range seg.Replace {
			delete(r.live, sn)
		}
		// Walk the live set, not the span: the span's width comes off the wire.
		if span := seg.ReplaceSpan; span != nil {
			for sn := range r.live {
				if span.contains(sn) {
					delete(r.live, sn)
				}
			}
		}
	}

	seg.Replace = nil
	seg.ReplaceSpan = nil
	r.live[seg.SN] = seg
	r.text = r.render()
	return r.text, nil
}

func (r *Reconciler) render() string {
	var sb strings.Builder
	for _, sn := range r.sortedKeys() {
		for _, tok := range r.live[sn].Tokens {
			sb.WriteString(tok)
		}
	}
	return sb.String()
}

func (r *Reconciler) sortedKeys() []int {
	keys := make([]int, 0, len(r.live))
	for sn := range r.live {
		keys = append(keys, sn)
	}
	sort.Ints(keys)
	return keys
}

// Finalize marks the result stream complete. Later Apply calls fail.
func (r *Reconciler) Finalize() {
	r.mu.Lock()
	r.final = true
	r.mu.Unlock()
}

func (r *Reconciler) Final() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.final
}

func (r *Reconciler) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.text
}

// Corrections counts applied segments that carried a replace marker.
func (r *Reconciler) Corrections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.corrections
}

// Live returns the live segments in ascending SN order.
func (r *Reconciler) Live() []Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Segment, 0, len(r.live))
	for _, sn := range r.sortedKeys() {
		seg := r.live[sn]
		seg.Tokens = append([]string(nil), seg.Tokens...)
		out = append(out, seg)
	}
	return out
}
