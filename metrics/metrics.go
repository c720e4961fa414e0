// Package metrics holds the Prometheus instruments for streaming sessions.
// A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	// Outbound
	FramesSent prometheus.Counter
	BytesSent  prometheus.Counter
	PacingLag  prometheus.Histogram

	// Session lifecycle
	Sessions        *prometheus.CounterVec
	ConnectDuration prometheus.Histogram

	// Inbound
	Corrections prometheus.Counter
	Malformed   prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "rtasr_frames_sent_total",
			Help: "Total number of audio frames sent, terminators included",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "rtasr_bytes_sent_total",
			Help: "Total number of audio payload bytes sent",
		}),
		PacingLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtasr_pacing_lag_seconds",
			Help:    "How late each frame left relative to its scheduled time",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~200ms
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtasr_sessions_total",
			Help: "Total number of finished sessions by outcome",
		}, []string{"outcome"}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtasr_connect_duration_seconds",
			Help:    "Time spent opening the websocket",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		}),
		Corrections: f.NewCounter(prometheus.CounterOpts{
			Name: "rtasr_corrections_total",
			Help: "Total number of results that replaced earlier segments",
		}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "rtasr_malformed_messages_total",
			Help: "Total number of inbound messages that could not be decoded",
		}),
	}
}

func (m *Metrics) RecordFrame(payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(payloadBytes))
}

func (m *Metrics) ObservePacingLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.PacingLag.Observe(lag.Seconds())
}

func (m *Metrics) ObserveConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(d.Seconds())
}

// RecordSession counts a finished session under outcome.
func (m *Metrics) RecordSession(outcome string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCorrection() {
	if m == nil {
		return
	}
	m.Corrections.Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.Malformed.Inc()
}
