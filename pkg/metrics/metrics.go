// Package metrics exposes per-request counters for the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one server. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	accepted prometheus.Counter
}

// New registers the server collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spidey_requests_total",
			Help: "Requests handled, by handler kind and status code.",
		}, []string{"kind", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spidey_request_duration_seconds",
			Help:    "Time from accept to connection close, by handler kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spidey_active_workers",
			Help: "Connections currently being served.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spidey_connections_accepted_total",
			Help: "Connections accepted by the listener.",
		}),
	}
	m.Registry.MustRegister(
		m.requests,
		m.duration,
		m.active,
		m.accepted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.active.Dec()
}

// Observe records one finished request.
func (m *Metrics) Observe(kind string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
