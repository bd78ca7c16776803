package prometheus

import (
	"net/http"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports dispatcher counters and gauges on its own registry
type Metrics struct {
	registry *prometheus.Registry

	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobsRetried  prometheus.Counter
	failovers    *prometheus.CounterVec
	queueLength  *prometheus.GaugeVec
	workers      *prometheus.GaugeVec
	pods         *prometheus.GaugeVec
	costTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_finished_total",
				Help: "Jobs that reached a terminal state",
			},
			[]string{"backend", "state"},
		),
		// Buckets: 0.5s to ~17min
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_job_duration_seconds",
				Help:    "Wall-clock time from activation to terminal state",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"backend"},
		),
		jobsRetried: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_retried_total",
				Help: "Attempts that were scheduled for retry",
			},
		),
		failovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_failovers_total",
				Help: "Jobs that succeeded after at least one backend failed, by the backend that succeeded",
			},
			[]string{"backend"},
		),
		queueLength: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_jobs",
				Help: "Jobs currently waiting or active",
			},
			[]string{"state"},
		),
		workers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_local_workers",
				Help: "Local workers by health",
			},
			[]string{"status"},
		),
		pods: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_cloud_pods",
				Help: "Cloud pods by status",
			},
			[]string{"status"},
		),
		costTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_cost_usd_total",
				Help: "Accrued spend in USD",
			},
			[]string{"backend"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) JobFinished(backend domain.BackendKind, state domain.JobState, duration time.Duration) {
	b := backendLabel(backend)
	m.jobsFinished.WithLabelValues(b, string(state)).Inc()
	if duration > 0 {
		m.jobDuration.WithLabelValues(b).Observe(duration.Seconds())
	}
}

func (m *Metrics) JobRetried() { m.jobsRetried.Inc() }

func (m *Metrics) Failover(backend domain.BackendKind) {
	m.failovers.WithLabelValues(backendLabel(backend)).Inc()
}

func (m *Metrics) QueueDepth(waiting, active int) {
	m.queueLength.WithLabelValues("waiting").Set(float64(waiting))
	m.queueLength.WithLabelValues("active").Set(float64(active))
}

func (m *Metrics) WorkerHealth(healthy, total int) {
	m.workers.WithLabelValues(string(domain.WorkerStatusHealthy)).Set(float64(healthy))
	m.workers.WithLabelValues(string(domain.WorkerStatusUnhealthy)).Set(float64(total - healthy))
}

func (m *Metrics) PodCount(status domain.PodStatus, n int) {
	m.pods.WithLabelValues(string(status)).Set(float64(n))
}

func (m *Metrics) CostAccrued(backend domain.BackendKind, usd float64) {
	if usd <= 0 {
		return
	}
	m.costTotal.WithLabelValues(backendLabel(backend)).Add(usd)
}

func backendLabel(b domain.BackendKind) string {
	if b == "" {
		return "none"
	}
	return string(b)
}
