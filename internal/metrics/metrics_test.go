package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCapture(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCapture("selfie", "accepted", 120*time.Millisecond)
	m.ObserveCapture("selfie", "accepted", 80*time.Millisecond)
	m.ObserveCapture("document-front", "rejected", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CaptureAttempts.WithLabelValues("selfie", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureAttempts.WithLabelValues("document-front", "rejected")))
}

func TestSessionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCapture("selfie", "accepted", time.Millisecond)
		m.SessionOpened()
		m.SessionClosed()
		m.IncrementSubmission("ok")
		m.IncrementStale()
	})
}
