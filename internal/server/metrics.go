package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the service's Prometheus instruments.
type Metrics struct {
	JobsTotal   *prometheus.CounterVec
	JobDuration prometheus.Histogram
	ActiveJobs  prometheus.Gauge
	QueueDepth  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datapusher_jobs_total",
			Help: "Jobs finished, by terminal status.",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "datapusher_job_duration_seconds",
			Help:    "Wall time of one pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datapusher_active_jobs",
			Help: "Pipelines currently running.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datapusher_queue_depth",
			Help: "Jobs accepted but not yet started.",
		}),
	}
}
