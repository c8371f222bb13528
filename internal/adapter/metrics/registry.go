package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryMetrics holds Prometheus metrics for live connections and the
// events delivered to them.
type RegistryMetrics struct {
	ActiveConnections  prometheus.Gauge
	OnlineUsers        prometheus.Gauge
	EventsSent         *prometheus.CounterVec
	EventsReceived     *prometheus.CounterVec
	InboundDropped     *prometheus.CounterVec
	SlowClientsEvicted prometheus.Counter
}

// NewRegistryMetrics creates and registers connection registry metrics on the given registry.
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "online_users",
			Help:      "Number of distinct users with at least one live connection.",
		}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "events_sent_total",
			Help:      "Total number of events queued to client connections, by event name.",
		}, []string{"event"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "events_received_total",
			Help:      "Total number of events received from clients, by event name.",
		}, []string{"event"}),
		InboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "inbound_dropped_total",
			Help:      "Total number of client frames dropped, by reason.",
		}, []string{"reason"}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_clients_evicted_total",
			Help:      "Total number of connections closed because their send buffer was full.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.OnlineUsers, m.EventsSent, m.EventsReceived, m.InboundDropped, m.SlowClientsEvicted)
	return m
}
