package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	tasksTotal      *prometheus.CounterVec
	taskDuration    prometheus.Histogram
	filesRemoved    prometheus.Counter
	removalFailures prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelshift_cleanup_tasks_total",
			Help: "Total staging cleanup tasks by final status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelshift_cleanup_task_duration_seconds",
			Help:    "Duration of staging cleanup tasks.",
			Buckets: prometheus.DefBuckets,
		}),
		filesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelshift_cleanup_files_total",
			Help: "Staged files handled by cleanup tasks.",
		}),
		removalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelshift_cleanup_failures_total",
			Help: "Cleanup tasks that could not remove every staged file.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.filesRemoved,
		m.removalFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
