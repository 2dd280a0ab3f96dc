package metrics

import "github.com/prometheus/client_golang/prometheus"

// OverlayMetrics holds Prometheus metrics for overlay WebSocket delivery.
type OverlayMetrics struct {
	ActiveConnections prometheus.Gauge
	MessagesPublished *prometheus.CounterVec
	PublishFailures   prometheus.Counter
}

// NewOverlayMetrics creates and registers overlay metrics on the given registry.
func NewOverlayMetrics(reg prometheus.Registerer) *OverlayMetrics {
	m := &OverlayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "active_connections",
			Help:      "Number of connected overlay clients.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "messages_published_total",
			Help:      "Events delivered to the overlay channel, by event name.",
		}, []string{"event"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "publish_failures_total",
			Help:      "Events that could not be delivered to the overlay channel.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesPublished, m.PublishFailures)
	return m
}
