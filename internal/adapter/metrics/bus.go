package metrics

import "github.com/prometheus/client_golang/prometheus"

// BusMetrics tracks event bus throughput.
type BusMetrics struct {
	Published   *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Panics      prometheus.Counter
	Subscribers prometheus.Gauge
}

func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total number of events published, by event name.",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a listener queue was full, by event name.",
		}, []string{"event"}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "listener_panics_total",
			Help:      "Total number of recovered listener panics.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Number of active bus subscriptions.",
		}),
	}

	reg.MustRegister(m.Published, m.Dropped, m.Panics, m.Subscribers)
	return m
}
