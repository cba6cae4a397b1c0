package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	workerExits   *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	admissionWait prometheus.Histogram
	stagedBytes   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelshift_jobs_total",
			Help: "Total transformation jobs by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelshift_job_duration_seconds",
			Help:    "End-to-end duration of transformation jobs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelshift_worker_exits_total",
			Help: "Terminal states reached by worker processes.",
		}, []string{"state"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelshift_active_workers",
			Help: "Worker processes currently running in this instance.",
		}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelshift_admission_wait_seconds",
			Help:    "Time spent waiting for a worker slot.",
			Buckets: prometheus.DefBuckets,
		}),
		stagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelshift_staged_bytes_total",
			Help: "Bytes of uploaded images written to staging.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.jobsTotal,
			m.jobDuration,
			m.workerExits,
			m.activeWorkers,
			m.admissionWait,
			m.stagedBytes,
		)
	}
	return m
}
