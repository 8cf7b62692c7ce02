package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cnap-oss/tmux-agents/internal/metrics"
	"github.com/cnap-oss/tmux-agents/internal/model"
)

// Metrics는 오케스트레이터 상태를 Prometheus로 노출합니다.
type Metrics struct {
	queueDepth    prometheus.Gauge
	agentsByState *prometheus.GaugeVec
	taskEvents    *prometheus.CounterVec
}

// MustNewMetrics는 reg에 컬렉터를 등록합니다.
// 이미 등록된 컬렉터가 있으면 재사용하므로 여러 인스턴스가 같은 레지스트리를 공유할 수 있습니다.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		queueDepth: metrics.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Number of non-terminal tasks in the priority queue.",
		})),
		agentsByState: metrics.MustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "orchestrator",
			Name:      "agents",
			Help:      "Registered agents by state.",
		}, []string{"state"})),
		taskEvents: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "orchestrator",
			Name:      "task_transitions_total",
			Help:      "Task status transitions performed by the orchestrator.",
		}, []string{"status"})),
	}
}

func (m *Metrics) observe(queueLen int, agents map[string]*model.Agent) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(queueLen))
	counts := map[model.AgentState]int{
		model.AgentIdle:    0,
		model.AgentWorking: 0,
		model.AgentError:   0,
	}
	for _, a := range agents {
		counts[a.State]++
	}
	for state, n := range counts {
		m.agentsByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (m *Metrics) transition(status model.TaskStatus) {
	if m == nil {
		return
	}
	m.taskEvents.WithLabelValues(string(status)).Inc()
}
