package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the server.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	GenerationsTotal    *prometheus.CounterVec
	GenerationVariation *prometheus.CounterVec
	CreditsDebited      prometheus.Counter
	DebitsRejected      prometheus.Counter
	WebhookEventsTotal  *prometheus.CounterVec
}

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "In-flight HTTP requests.",
		}),
		GenerationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "icon_generations_total",
			Help: "Completed generation jobs by outcome.",
		}, []string{"outcome"}),
		GenerationVariation: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "icon_generation_variations_total",
			Help: "Individual variation attempts by result.",
		}, []string{"result"}),
		CreditsDebited: factory.NewCounter(prometheus.CounterOpts{
			Name: "credits_debited_total",
			Help: "Total credits debited.",
		}),
		DebitsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_debits_rejected_total",
			Help: "Debits rejected for insufficient credits.",
		}),
		WebhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Processor webhook events by type and result.",
		}, []string{"type", "result"}),
	}
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusLabel(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
