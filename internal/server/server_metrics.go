package server

import "github.com/prometheus/client_golang/prometheus"

// metricsIncrementer is the subset of promMetrics a context needs, so a
// config built with MetricsEnabled: false can carry a zero-cost noop
// instead of branching on every request.
type metricsIncrementer interface {
	incSTUNMessages()
}

type noopMetrics struct{}

func (noopMetrics) incSTUNMessages() {}

type promMetrics struct {
	stunMessages prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	return &promMetrics{
		stunMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnd_stun_messages_total",
			Help:        "Number of STUN messages received, excluding those dropped by a client filter rule.",
			ConstLabels: labels,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.stunMessages.Desc()
}

// Collect implements prometheus.Collector.
func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.stunMessages.Collect(c)
}

func (m *promMetrics) incSTUNMessages() { m.stunMessages.Inc() }
