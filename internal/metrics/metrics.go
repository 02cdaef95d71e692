// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service's collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and tools free of registration.
type Metrics struct {
	Scans          *prometheus.CounterVec
	ScanDuration   prometheus.Histogram
	Rotations      prometheus.Gauge
	Emissions      prometheus.Counter
	Subscribers    prometheus.Gauge
	SessionsClosed *prometheus.CounterVec
	RateLimited    prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "scans_total",
			Help:      "Attendance scans by outcome.",
		}, []string{"outcome"}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qrattend",
			Name:      "scan_duration_seconds",
			Help:      "Time spent deciding a scan, including persistence.",
			Buckets:   prometheus.DefBuckets,
		}),
		Rotations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "qrattend",
			Name:      "rotations_active",
			Help:      "Sessions with a running credential rotation.",
		}),
		Emissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "credentials_emitted_total",
			Help:      "Rotating credentials pushed to displays.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "qrattend",
			Name:      "display_connections",
			Help:      "Open realtime display connections.",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by trigger.",
		}, []string{"trigger"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "qrattend",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
}

// ObserveScan counts one scan under outcome and records how long it took.
func (m *Metrics) ObserveScan(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(outcome).Inc()
	m.ScanDuration.Observe(seconds)
}

// RotationStarted marks a session's credential rotation as running.
func (m *Metrics) RotationStarted() {
	if m != nil {
		m.Rotations.Inc()
	}
}

// RotationStopped undoes RotationStarted.
func (m *Metrics) RotationStopped() {
	if m != nil {
		m.Rotations.Dec()
	}
}

// CredentialEmitted counts one credential pushed to a session's displays.
func (m *Metrics) CredentialEmitted() {
	if m != nil {
		m.Emissions.Inc()
	}
}

// SubscriberJoined counts an opened display connection.
func (m *Metrics) SubscriberJoined() {
	if m != nil {
		m.Subscribers.Inc()
	}
}

// SubscriberLeft counts a closed display connection.
func (m *Metrics) SubscriberLeft() {
	if m != nil {
		m.Subscribers.Dec()
	}
}

// SessionClosed counts a session closure. trigger is "instructor" or
// "expired".
func (m *Metrics) SessionClosed(trigger string) {
	if m != nil {
		m.SessionsClosed.WithLabelValues(trigger).Inc()
	}
}

// Limited counts a request refused by the rate limiter.
func (m *Metrics) Limited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}
