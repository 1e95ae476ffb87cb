// Package metrics holds the Prometheus collectors published by the engine
// and the webhook server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every engine collector so callers register them as one unit.
type Set struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	InstancesTotal   *prometheus.CounterVec
	InstanceDuration *prometheus.HistogramVec
	RetriesTotal     prometheus.Counter
	PreemptionsTotal prometheus.Counter
	ActiveRuns       prometheus.Gauge
}

// NewSet builds the collectors and registers them on reg.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gantry_runs_total", Help: "Pipeline runs by final status."},
			[]string{"pipeline", "status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "gantry_run_duration_seconds", Help: "Duration of pipeline runs in seconds.", Buckets: prometheus.DefBuckets},
		),
		InstancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gantry_job_instances_total", Help: "Job instances by final status."},
			[]string{"pipeline", "job", "status"},
		),
		InstanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "gantry_job_instance_duration_seconds", Help: "Duration of job instances in seconds.", Buckets: prometheus.DefBuckets},
			[]string{"pipeline", "job"},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "gantry_step_retries_total", Help: "Narrowed step re-attempts."},
		),
		PreemptionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "gantry_run_preemptions_total", Help: "Runs cancelled by a newer run in their concurrency group."},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gantry_active_runs", Help: "Runs currently executing."},
		),
	}
	reg.MustRegister(
		s.RunsTotal,
		s.RunDuration,
		s.InstancesTotal,
		s.InstanceDuration,
		s.RetriesTotal,
		s.PreemptionsTotal,
		s.ActiveRuns,
	)
	return s
}

// Nop returns a set registered on a private registry, for callers that do
// not scrape metrics.
func Nop() *Set {
	return NewSet(prometheus.NewRegistry())
}
