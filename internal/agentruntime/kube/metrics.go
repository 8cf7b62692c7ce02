package kube

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cnap-oss/tmux-agents/internal/metrics"
)

// Metrics reports watcher and pool activity.
type Metrics struct {
	events     *prometheus.CounterVec
	reconnects prometheus.Counter
	claims     *prometheus.CounterVec
}

// MustNewMetrics registers the Kubernetes collectors with reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		events: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "kube",
			Name:      "agent_events_total",
			Help:      "Agent lifecycle events derived from pod watch events.",
		}, []string{"type"})),
		reconnects: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "kube",
			Name:      "watch_reconnects_total",
			Help:      "Times the pod watch stream ended and was restarted.",
		})),
		claims: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "kube",
			Name:      "pool_claims_total",
			Help:      "Warm pool claim attempts by outcome.",
		}, []string{"outcome"})),
	}
}

func (m *Metrics) event(t EventType) {
	if m != nil {
		m.events.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) claim(outcome string) {
	if m != nil {
		m.claims.WithLabelValues(outcome).Inc()
	}
}
