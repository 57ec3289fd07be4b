// Package metrics exposes Prometheus gauges, counters, and histograms
// for the coordinator: job counts by status, queue depth, reaper
// sweep activity, and dispatch latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsTotal tracks the number of jobs currently in each status.
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opeva_jobs_total",
			Help: "Number of jobs currently in each status",
		},
		[]string{"status"},
	)

	// QueueDepth tracks the number of pending entries in the work queue.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opeva_queue_depth",
			Help: "Number of pending entries in the work queue",
		},
	)

	// HostsOnline tracks the number of workers considered online.
	HostsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opeva_hosts_online",
			Help: "Number of worker hosts currently considered online",
		},
	)

	// ReaperSweepsTotal counts reaper sweep invocations.
	ReaperSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opeva_reaper_sweeps_total",
			Help: "Total number of reaper sweep invocations",
		},
	)

	// ReaperActionsTotal counts jobs the reaper acted on, by outcome
	// ("requeued" or "failed") and reason ("stale_status" or
	// "worker_offline").
	ReaperActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opeva_reaper_actions_total",
			Help: "Total number of jobs the reaper requeued or failed, by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	// ReaperSweepDuration observes how long each reaper sweep took.
	ReaperSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opeva_reaper_sweep_duration_seconds",
			Help:    "Duration of reaper sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DispatchLatency observes time from submit to successful claim.
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opeva_dispatch_latency_seconds",
			Help:    "Latency from job submission to worker claim",
			Buckets: prometheus.DefBuckets,
		},
	)

	// InvalidTransitionsTotal counts rejected status writes.
	InvalidTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opeva_invalid_transitions_total",
			Help: "Total number of status updates rejected by the state machine",
		},
	)
)

// Registry collects the metrics above into a single prometheus
// registry the HTTP server's /metrics handler serves.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		JobsTotal,
		QueueDepth,
		HostsOnline,
		ReaperSweepsTotal,
		ReaperActionsTotal,
		ReaperSweepDuration,
		DispatchLatency,
		InvalidTransitionsTotal,
	)
	return r
}

// Timer measures an operation's duration for later observation into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
