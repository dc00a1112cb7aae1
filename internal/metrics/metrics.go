// Package metrics exposes prometheus instrumentation for the wizard service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for wizard sessions and capture attempts.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture attempts by step and resulting state
	CaptureAttempts *prometheus.CounterVec

	// Capture-validate latency by step
	CaptureLatency *prometheus.HistogramVec

	// Wizards currently held in memory
	ActiveSessions prometheus.Gauge

	// Final submissions by result
	Submissions *prometheus.CounterVec

	// Async results discarded because their session was superseded
	StaleResults prometheus.Counter
}

// New registers every wizard metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CaptureAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kycflow_capture_attempts_total",
			Help: "Total capture attempts by step and resulting state",
		}, []string{"step", "state"}),

		CaptureLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kycflow_capture_duration_seconds",
			Help:    "Duration of capture, upload and verdict interpretation by step",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"step"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kycflow_active_sessions",
			Help: "Wizard sessions currently held by the service",
		}),

		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kycflow_submissions_total",
			Help: "Final verification submissions by result",
		}, []string{"result"}), // result: "ok", "error"

		StaleResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "kycflow_stale_results_total",
			Help: "Async capture results discarded after a restart",
		}),
	}
}

// ObserveCapture records one finished capture attempt.
func (m *Metrics) ObserveCapture(step, state string, d time.Duration) {
	if m != nil {
		m.CaptureAttempts.WithLabelValues(step, state).Inc()
		m.CaptureLatency.WithLabelValues(step).Observe(d.Seconds())
	}
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// IncrementSubmission records a final submission result.
func (m *Metrics) IncrementSubmission(result string) {
	if m != nil {
		m.Submissions.WithLabelValues(result).Inc()
	}
}

// IncrementStale records a discarded async result.
func (m *Metrics) IncrementStale() {
	if m != nil {
		m.StaleResults.Inc()
	}
}
