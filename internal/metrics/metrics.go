// Package metrics holds the Prometheus collectors for the realtime core.
// Each Metrics value owns its own registry so isolated instances (tests,
// several servers in one process) never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	UsersOnline       prometheus.Gauge
	Transitions       *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	GroupChannels     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "connections_active",
			Help:      "Registered persistent connections.",
		}),
		UsersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "users_online",
			Help:      "Users with at least one registered connection.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "presence_transitions_total",
			Help:      "Online/offline transitions observed by the registry.",
		}, []string{"state"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_delivered_total",
			Help:      "Frames queued to a connection, by event type.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_dropped_total",
			Help:      "Frames not delivered, by event type and reason.",
		}, []string{"event", "reason"}),
		GroupChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "group_channels_active",
			Help:      "Group channels with at least one joined connection.",
		}),
	}
	reg.MustRegister(
		m.ConnectionsActive,
		m.UsersOnline,
		m.Transitions,
		m.EventsDelivered,
		m.EventsDropped,
		m.GroupChannels,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
