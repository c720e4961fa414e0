package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordFrame(1280)
	m.RecordFrame(640)
	m.RecordFrame(0)
	m.RecordSession(OutcomeOK)
	m.RecordSession(OutcomeFailed)
	m.RecordSession(OutcomeFailed)
	m.RecordCorrection()
	m.RecordMalformed()
	m.ObservePacingLag(2 * time.Millisecond)
	m.ObserveConnect(150 * time.Millisecond)

	if got := testutil.ToFloat64(m.FramesSent); got != 3 {
		t.Errorf("frames = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 1920 {
		t.Errorf("bytes = %v, want 1920", got)
	}
	if got := testutil.ToFloat64(m.Sessions.WithLabelValues(OutcomeFailed)); got != 2 {
		t.Errorf("failed sessions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Corrections); got != 1 {
		t.Errorf("corrections = %v, want 1", got)
	}

	expected := `
# HELP rtasr_malformed_messages_total Total number of inbound messages that could not be decoded
# TYPE rtasr_malformed_messages_total counter
rtasr_malformed_messages_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "rtasr_malformed_messages_total"); err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(m.PacingLag); n != 1 {
		t.Errorf("pacing lag series = %d, want 1", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordFrame(1)
	m.RecordSession(OutcomeOK)
	m.RecordCorrection()
	m.RecordMalformed()
	m.ObservePacingLag(time.Millisecond)
	m.ObserveConnect(time.Millisecond)
}

func TestSeparateRegistries(t *testing.T) {
	// Registering twice on one registry panics; separate registries do not.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
