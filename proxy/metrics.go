package proxy

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tunnel"

// Metrics holds the prometheus collectors of one proxy instance. Each proxy
// registers on its own registry.
type Metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	admissions *prometheus.CounterVec
	duration   prometheus.Histogram
}

func newMetrics(registry *Registry, correlator *Correlator) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "HTTP requests handled, by outcome.",
		}, []string{"result"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admissions_total",
			Help:      "Client connection attempts, by outcome.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receiving an HTTP request to writing its response.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	connected := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "client_connected",
		Help:      "1 while a client is attached.",
	}, func() float64 {
		if registry.CurrentPeer() != nil {
			return 1
		}
		return 0
	})
	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_requests",
		Help:      "Requests dispatched to the client and waiting for a reply.",
	}, func() float64 {
		return float64(correlator.Pending())
	})

	m.registry.MustRegister(m.requests, m.admissions, m.duration, connected, pending)
	return m
}

func (m *Metrics) observeRequest(err error, elapsed time.Duration) {
	m.requests.WithLabelValues(resultLabel(err)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeAdmission(err error) {
	label := "accepted"
	if err != nil {
		label = "rejected"
	}
	m.admissions.WithLabelValues(label).Inc()
}

// Gatherer exposes the underlying registry, mostly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the metrics in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
