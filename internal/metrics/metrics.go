package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	WebhookOutcomes        *prometheus.CounterVec
	CaptureRequests        *prometheus.CounterVec
	UpstreamDuration       *prometheus.HistogramVec
	UnmatchedReservations  prometheus.Counter
	DuplicateConfirmations prometheus.Counter
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhook_outcomes_total",
			Help: "PayPal webhook deliveries by terminal outcome.",
		}, []string{"outcome"}),
		CaptureRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_capture_requests_total",
			Help: "Order capture requests by outcome.",
		}, []string{"outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_request_duration_seconds",
			Help:    "Duration of calls to PayPal and the reservation store.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target", "op", "status"}),
		UnmatchedReservations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_unmatched_reservations_total",
			Help: "Confirmations whose store update matched no reservation row.",
		}),
		DuplicateConfirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_duplicate_confirmations_total",
			Help: "Redelivered confirmations skipped by the idempotency ledger.",
		}),
	}
	reg.MustRegister(
		m.WebhookOutcomes,
		m.CaptureRequests,
		m.UpstreamDuration,
		m.UnmatchedReservations,
		m.DuplicateConfirmations,
	)
	return m
}

// ObserveUpstream records one outbound call. status is the HTTP status, or 0
// when the request never got a response.
func (m *Metrics) ObserveUpstream(target, op string, status int, started time.Time) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.UpstreamDuration.WithLabelValues(target, op, label).Observe(time.Since(started).Seconds())
}
