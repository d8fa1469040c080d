package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	artifactChecks  *prometheus.CounterVec
	webhookFailures *prometheus.CounterVec
}

// NewMetrics registers the worker collectors on reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenejobs_worker_jobs_total",
			Help: "Total render task runs by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scenejobs_worker_job_duration_seconds",
			Help:    "Duration of each render task run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type", "outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scenejobs_worker_active_jobs",
			Help: "Render tasks currently being handled.",
		}),
		artifactChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenejobs_worker_artifact_checks_total",
			Help: "Artifact lookups in object storage by result.",
		}, []string{"result"}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenejobs_worker_webhook_failures_total",
			Help: "Webhook deliveries that exhausted their retries.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.jobsTotal,
			m.jobDuration,
			m.activeJobs,
			m.artifactChecks,
			m.webhookFailures,
		)
	}
	return m
}

func (m *Metrics) observeJob(jobType, outcome string, d time.Duration) {
	m.jobsTotal.WithLabelValues(jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(jobType, outcome).Observe(d.Seconds())
}
