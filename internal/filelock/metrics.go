package filelock

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	waitSeconds    *prometheus.HistogramVec
	staleReclaimed *prometheus.CounterVec
}

// NewMetrics registers lock metrics on reg. Locks are labelled by the
// namespace of their name: the part before the first underscore.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scenejobs_lock_wait_seconds",
			Help:    "Time spent waiting for file locks by namespace and outcome.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"namespace", "outcome"}),
		staleReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenejobs_lock_stale_reclaimed_total",
			Help: "Total stale lock markers removed before acquisition.",
		}, []string{"namespace"}),
	}
	reg.MustRegister(m.waitSeconds, m.staleReclaimed)
	return m
}

func (m *Metrics) observeWait(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.waitSeconds.WithLabelValues(namespace(name), outcome).Observe(d.Seconds())
}

func (m *Metrics) incStaleReclaimed(name string) {
	if m == nil {
		return
	}
	m.staleReclaimed.WithLabelValues(namespace(name)).Inc()
}

func namespace(name string) string {
	prefix, _, found := strings.Cut(name, "_")
	if !found || prefix == "" {
		return "other"
	}
	return prefix
}
