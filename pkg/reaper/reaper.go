// Package reaper implements §4.4: the opportunistic sweep that
// requeues DISPATCHED jobs and fails RUNNING/STOP_REQUESTED jobs whose
// status has gone stale or whose worker has stopped heartbeating. It
// is read-mostly over the Registry and writes only through the
// Dispatcher's enforced status path, so it never bypasses P3/P5.
package reaper

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/opeva/pkg/apierr"
	"github.com/cuemby/opeva/pkg/clock"
	"github.com/cuemby/opeva/pkg/config"
	"github.com/cuemby/opeva/pkg/dispatcher"
	"github.com/cuemby/opeva/pkg/log"
	"github.com/cuemby/opeva/pkg/metrics"
	"github.com/cuemby/opeva/pkg/statemachine"
	"github.com/cuemby/opeva/pkg/types"
)

// Reaper sweeps the Registry for orphaned jobs.
type Reaper struct {
	cfg    *config.Coordinator
	disp   *dispatcher.Dispatcher
	clk    clock.Clock
	logger zerolog.Logger
}

// New returns a Reaper bound to disp's Registry/Queue/Status Store.
func New(cfg *config.Coordinator, disp *dispatcher.Dispatcher, clk clock.Clock) *Reaper {
	return &Reaper{cfg: cfg, disp: disp, clk: clk, logger: log.WithComponent("reaper")}
}

// Sweep scans every job once. It is safe to call from multiple request
// handlers concurrently; a losing race on an individual job's write
// just means CanTransition rejects the second writer, which Sweep
// treats as a no-op rather than an error.
func (r *Reaper) Sweep() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperSweepDuration)
	metrics.ReaperSweepsTotal.Inc()

	jobs, err := r.disp.ListJobs()
	if err != nil {
		return err
	}

	now := r.clk.Now()
	online := 0
	for _, host := range r.cfg.AvailableHosts {
		if lastSeen, ok := r.disp.LastHeartbeat(host); ok && now.Sub(lastSeen) <= r.cfg.HeartbeatTTL {
			online++
		}
	}
	metrics.HostsOnline.Set(float64(online))

	counts := make(map[statemachine.Status]int, len(jobs))
	for _, job := range jobs {
		counts[job.Status]++
		r.sweepOne(job, now)
	}
	for status, n := range counts {
		metrics.JobsTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	entries, err := r.disp.QueueList()
	if err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(len(entries)))

	return nil
}

func (r *Reaper) sweepOne(job *types.Job, now time.Time) {
	if !statemachine.HasAssignedContainer(job.Status) {
		return
	}

	if now.Sub(job.StatusUpdatedAt) > r.cfg.JobStatusTTL {
		r.reap(job, "stale_status", true)
		return
	}

	if job.TargetHost == "" {
		return
	}
	lastSeen, ok := r.disp.LastHeartbeat(job.TargetHost)
	if ok && now.Sub(lastSeen) <= r.cfg.HeartbeatTTL+r.cfg.WorkerStaleGrace {
		return
	}
	r.reap(job, "worker_offline", false)
}

func (r *Reaper) reap(job *types.Job, reason string, staleStatus bool) {
	var err error
	var outcome string

	if job.Status == statemachine.Dispatched {
		outcome = "requeued"
		if staleStatus {
			err = r.disp.ReaperRequeue(job.JobID, "", true)
		} else {
			err = r.disp.ReaperRequeue(job.JobID, "worker_offline_on_requeue", false)
		}
	} else {
		outcome = "failed"
		err = r.disp.ReaperFail(job.JobID, reason)
	}

	if err != nil {
		// A concurrent write already moved the job out of the state we
		// read it in; not this sweep's problem.
		if apierr.KindOf(err) != apierr.KindConflict {
			r.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("reaper action failed")
		}
		return
	}

	metrics.ReaperActionsTotal.WithLabelValues(outcome, reason).Inc()
	r.logger.Info().Str("job_id", job.JobID).Str("outcome", outcome).Str("reason", reason).Msg("reaper acted on job")
}
