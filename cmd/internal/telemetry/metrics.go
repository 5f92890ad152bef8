// Package telemetry owns easel's Prometheus metrics.
//
// Every method is safe on a nil *Metrics so components can run unobserved in tests.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "easel"

// Metrics is the set of collectors shared by the relay, the persister and the HTTP layer.
type Metrics struct {
	reg *prometheus.Registry

	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	events        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	catchUp       prometheus.Histogram
	catchUpFailed *prometheus.CounterVec

	persistOps     *prometheus.CounterVec
	persistLatency *prometheus.HistogramVec
	persistQueues  prometheus.Gauge

	httpRequests *prometheus.CounterVec
}

// New registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "connections",
			Help: "Open realtime connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "sessions",
			Help: "Sessions with at least one subscriber.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "events_total",
			Help: "Inbound client events by type and outcome.",
		}, []string{"type", "outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "subscribers_dropped_total",
			Help: "Subscribers disconnected by the relay, by reason.",
		}, []string{"reason"}),
		catchUp: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "relay", Name: "catchup_seconds",
			Help:    "Time from join request to catch-up delivery.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		catchUpFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "catchup_failures_total",
			Help: "Failed joins by code.",
		}, []string{"code"}),
		persistOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persist", Name: "ops_total",
			Help: "Write-behind operations by kind and result.",
		}, []string{"kind", "result"}),
		persistLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "persist", Name: "op_seconds",
			Help:    "Time from enqueue to completion, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"kind"}),
		persistQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "persist", Name: "active_queues",
			Help: "Sessions with pending write-behind work.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.sessions, m.events, m.dropped, m.catchUp, m.catchUpFailed,
		m.persistOps, m.persistLatency, m.persistQueues,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

// Event counts an inbound event; outcome is "relayed", "stale", "rejected" or "invalid".
func (m *Metrics) Event(typ, outcome string) {
	if m != nil {
		m.events.WithLabelValues(typ, outcome).Inc()
	}
}

// SubscriberDropped counts a relay-initiated disconnect.
func (m *Metrics) SubscriberDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) CatchUpDone(d time.Duration) {
	if m != nil {
		m.catchUp.Observe(d.Seconds())
	}
}

func (m *Metrics) CatchUpFailed(code string) {
	if m != nil {
		m.catchUpFailed.WithLabelValues(code).Inc()
	}
}

// PersistOp counts a write-behind result ("ok", "retry", "drop", "coalesced", "abandoned").
func (m *Metrics) PersistOp(kind, result string) {
	if m != nil {
		m.persistOps.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) PersistLatency(kind string, d time.Duration) {
	if m != nil {
		m.persistLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) PersistQueues(n int) {
	if m != nil {
		m.persistQueues.Set(float64(n))
	}
}

// HTTPRequest counts a served request; class is "2xx", "4xx", ...
func (m *Metrics) HTTPRequest(method, class string) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, class).Inc()
	}
}
