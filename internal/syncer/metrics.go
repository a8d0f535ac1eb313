package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for syncer activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	applies  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	restores *prometheus.CounterVec
	drift    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bigmem",
			Name:      "apply_attempts_total",
			Help:      "Verified-write attempts by setting and outcome.",
		}, []string{"setting", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bigmem",
			Name:      "apply_duration_seconds",
			Help:      "Time spent writing and reading back an attribute.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"setting"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bigmem",
			Name:      "restores_total",
			Help:      "Preference restores from the kernel by setting and result.",
		}, []string{"setting", "result"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bigmem",
			Name:      "drift_detected_total",
			Help:      "Times the monitor found the stored value out of date.",
		}, []string{"setting"}),
	}
	reg.MustRegister(m.applies, m.duration, m.restores, m.drift)
	return m
}

func (m *Metrics) observeApply(key, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(key, outcome).Inc()
	m.duration.WithLabelValues(key).Observe(d.Seconds())
}

func (m *Metrics) observeRestore(key string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.restores.WithLabelValues(key, result).Inc()
}

func (m *Metrics) observeDrift(key string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(key).Inc()
}
