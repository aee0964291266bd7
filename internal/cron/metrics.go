package cron

import (
	"github.com/prometheus/client_golang/prometheus"
)

type serviceMetrics struct {
	registry     prometheus.Registerer
	jobsTotal    prometheus.Gauge
	timersArmed  prometheus.Gauge
	firesTotal   *prometheus.CounterVec
	fireDuration *prometheus.HistogramVec
	storeWrites  prometheus.Counter
}

func initMetrics(namespace string, reg prometheus.Registerer) *serviceMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &serviceMetrics{
		registry: reg,
		jobsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_jobs_total",
				Help:      "Number of jobs in the store",
			},
		),
		timersArmed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_timers_armed",
				Help:      "Number of armed job timers",
			},
		),
		firesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_fires_total",
				Help:      "Total number of job fires",
			},
			[]string{"status"},
		),
		fireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cron_fire_duration_seconds",
				Help:      "Duration of job fires including dispatch",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		storeWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_store_writes_total",
				Help:      "Total number of job store writes",
			},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.timersArmed,
		m.firesTotal,
		m.fireDuration,
		m.storeWrites,
	)

	return m
}
