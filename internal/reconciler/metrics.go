package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cnap-oss/tmux-agents/internal/metrics"
)

// Metrics는 조정 결과를 노출합니다.
type Metrics struct {
	writes   *prometheus.CounterVec
	duration prometheus.Histogram
}

// MustNewMetrics는 reg에 컬렉터를 등록합니다.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		writes: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reconciler",
			Name:      "changes_total",
			Help:      "Changes persisted by session reconciliation, by kind.",
		}, []string{"kind"})),
		duration: metrics.MustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reconciler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full reconciliation sweep.",
			Buckets:   prometheus.DefBuckets,
		})),
	}
}

func (m *Metrics) sweep(d time.Duration, res Result) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
	m.writes.WithLabelValues("lane").Add(float64(res.LanesUpdated))
	m.writes.WithLabelValues("bound").Add(float64(res.Bound))
	m.writes.WithLabelValues("orphaned").Add(float64(res.Orphaned))
}

// Writes는 kind별 변경 카운터를 반환합니다.
func (m *Metrics) Writes(kind string) prometheus.Counter {
	return m.writes.WithLabelValues(kind)
}
