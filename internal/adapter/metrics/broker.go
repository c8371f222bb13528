package metrics

import "github.com/prometheus/client_golang/prometheus"

// BrokerMetrics holds Prometheus metrics for the RabbitMQ consumer.
type BrokerMetrics struct {
	ConnectionState prometheus.Gauge
	ConnectAttempts *prometheus.CounterVec
	ConnectionsLost prometheus.Counter
	Deliveries      *prometheus.CounterVec
}

// NewBrokerMetrics creates and registers broker consumer metrics on the given registry.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	m := &BrokerMetrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connection_state",
			Help:      "Broker connection state (0=disconnected, 1=connecting, 2=connected).",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connect_attempts_total",
			Help:      "Total number of broker connection attempts, by retry policy and result.",
		}, []string{"policy", "result"}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections_lost_total",
			Help:      "Total number of unexpected broker connection closures.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Total number of deliveries settled, by queue and outcome (ack or requeue).",
		}, []string{"queue", "outcome"}),
	}

	reg.MustRegister(m.ConnectionState, m.ConnectAttempts, m.ConnectionsLost, m.Deliveries)
	return m
}
