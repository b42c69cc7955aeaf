package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the worker's Prometheus collectors. Each worker owns a registry
// so several can coexist in one process.
type Metrics struct {
	registry   *prometheus.Registry
	jobsTotal  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inProgress prometheus.Gauge
	queueDepth *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weppcloud_jobs_total",
				Help: "Jobs processed by outcome",
			},
			[]string{"func", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weppcloud_job_duration_seconds",
				Help:    "Job execution time",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 16), // 0.5s to ~4.5h
			},
			[]string{"func"},
		),
		inProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "weppcloud_jobs_in_progress",
				Help: "Jobs currently executing on this worker",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "weppcloud_queue_depth",
				Help: "Jobs waiting per queue at the last housekeeping pass",
			},
			[]string{"queue"},
		),
	}
	m.registry.MustRegister(m.jobsTotal, m.duration, m.inProgress, m.queueDepth)
	return m
}

func (m *Metrics) started() {
	m.inProgress.Inc()
}

func (m *Metrics) finished(fn string, status string, elapsed time.Duration) {
	m.inProgress.Dec()
	m.jobsTotal.WithLabelValues(fn, status).Inc()
	m.duration.WithLabelValues(fn).Observe(elapsed.Seconds())
}

func (m *Metrics) setQueueDepth(queue string, n int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
