package metrics

import "github.com/prometheus/client_golang/prometheus"

// RealtimeMetrics holds Prometheus metrics for live connections and delivery.
type RealtimeMetrics struct {
	ActiveConnections prometheus.Gauge
	Handshakes        *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	InboundRejected   *prometheus.CounterVec
}

// NewRealtimeMetrics creates and registers realtime metrics on the given registry.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Number of authenticated realtime connections.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by result.",
		}, []string{"result"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_delivered_total",
			Help:      "Outbound events queued to connections, by event type.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Outbound events dropped because a connection buffer was full.",
		}, []string{"event"}),
		InboundRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "inbound_rejected_total",
			Help:      "Inbound events rejected, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveConnections, m.Handshakes, m.EventsDelivered, m.EventsDropped, m.InboundRejected)
	return m
}
