// Package metrics holds the Prometheus collectors of the payment session service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paysession"

// Metrics is nil-safe: every recording method is a no-op on a nil receiver.
type Metrics struct {
	SessionsCreated prometheus.Counter
	Transitions     *prometheus.CounterVec
	Callbacks       *prometheus.CounterVec
	SessionsExpired prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SessionsCreated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Payment sessions established",
			},
		),
		Transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session status transitions by target status",
			},
			[]string{"status"},
		),
		Callbacks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Provider callbacks by result",
			},
			[]string{"result"}, // completed, failed, duplicate, rejected
		),
		SessionsExpired: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_expired_total",
				Help:      "Pending sessions removed by the expiry sweep",
			},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Callback(result string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) Expired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsExpired.Add(float64(n))
}

func (m *Metrics) Request(route, method, code string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, code).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}
