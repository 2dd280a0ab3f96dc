package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks the session and channel lifecycle.
type RelayMetrics struct {
	ChannelSetups   *prometheus.CounterVec
	ChatReconnects  prometheus.Counter
	RefreshFailures *prometheus.CounterVec
	LookupFailures  *prometheus.CounterVec
	SetupDuration   *prometheus.HistogramVec
	NotificationsIn *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ChannelSetups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "setups_total",
			Help:      "Channel setups by channel and outcome.",
		}, []string{"channel", "outcome"}),
		ChatReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "reconnects_total",
			Help:      "Chat re-setups triggered by unexpected disconnects.",
		}),
		RefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_failures_total",
			Help:      "Token refresh failures by identity.",
		}, []string{"identity"}),
		LookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "failures_total",
			Help:      "Secondary lookup failures by kind.",
		}, []string{"kind"}),
		SetupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "setup_duration_seconds",
			Help:      "Duration of channel setups in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		NotificationsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "platform",
			Name:      "notifications_received_total",
			Help:      "Platform callbacks received, by channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(m.ChannelSetups, m.ChatReconnects, m.RefreshFailures, m.LookupFailures, m.SetupDuration, m.NotificationsIn)
	return m
}

// The helpers below accept a nil receiver so components can run without a registry.

func (m *RelayMetrics) ObserveSetup(channel string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.ChannelSetups.WithLabelValues(channel, outcome).Inc()
	m.SetupDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *RelayMetrics) ChatReconnected() {
	if m != nil {
		m.ChatReconnects.Inc()
	}
}

func (m *RelayMetrics) RefreshFailed(identity string) {
	if m != nil {
		m.RefreshFailures.WithLabelValues(identity).Inc()
	}
}

func (m *RelayMetrics) LookupFailed(kind string) {
	if m != nil {
		m.LookupFailures.WithLabelValues(kind).Inc()
	}
}

func (m *RelayMetrics) Received(channel string) {
	if m != nil {
		m.NotificationsIn.WithLabelValues(channel).Inc()
	}
}
