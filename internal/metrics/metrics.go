// Package metrics defines the Prometheus collectors exported by genwatch.
//
// Each Metrics value owns a private registry so tests can build as many as
// they need without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genwatch"

// Metrics groups every collector the server exposes on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	HubPublished   *prometheus.CounterVec
	HubDropped     *prometheus.CounterVec
	HubSubscribers prometheus.Gauge
	HubChannels    prometheus.Gauge

	IngestMessages   *prometheus.CounterVec
	IngestConnected  prometheus.Gauge
	IngestReconnects prometheus.Counter

	LivenessOffline prometheus.Counter

	LiveSessions prometheus.Gauge
	LiveRejected *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry, together
// with the standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HubPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Messages published into the telemetry hub, by message type.",
		}, []string{"type"}),
		HubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Messages discarded from subscriber queues, by reason.",
		}, []string{"reason"}),
		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Subscriber queues currently registered with the hub.",
		}),
		HubChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "channels",
			Help:      "Device channels with cached state.",
		}),
		IngestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Bus messages received, by decode result.",
		}, []string{"result"}),
		IngestConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "connected",
			Help:      "1 while the bus client is connected.",
		}),
		IngestReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reconnects_total",
			Help:      "Bus connection attempts that followed a failure or loss.",
		}),
		LivenessOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "offline_events_total",
			Help:      "Synthetic OFFLINE transitions emitted.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "sessions",
			Help:      "Live viewer sessions currently streaming.",
		}),
		LiveRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "rejected_total",
			Help:      "Live connections rejected before streaming, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HubPublished,
		m.HubDropped,
		m.HubSubscribers,
		m.HubChannels,
		m.IngestMessages,
		m.IngestConnected,
		m.IngestReconnects,
		m.LivenessOffline,
		m.LiveSessions,
		m.LiveRejected,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
