package dispatcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/opeva/pkg/apierr"
	"github.com/cuemby/opeva/pkg/log"
	"github.com/cuemby/opeva/pkg/statemachine"
	"github.com/cuemby/opeva/pkg/types"
)

// Requeue implements the ops requeue surface (§4.5). Without force, it
// refuses terminal and {RUNNING, STOP_REQUESTED} states. A job already
// QUEUED is treated as idempotent: the status write still happens (to
// stamp status_updated_at and pick up an updated host preference) but
// bypasses the state machine rather than rejecting a same-state write.
func (d *Dispatcher) Requeue(jobID string, force bool, preferredHost string, requireHost bool) error {
	job, err := d.reg.Get(jobID)
	if err != nil {
		return err
	}
	if !force {
		if statemachine.IsTerminal(job.Status) || job.Status == statemachine.Running || job.Status == statemachine.StopRequested {
			return apierr.Conflict("cannot requeue job in status %s without force", job.Status)
		}
	}

	effectiveForce := force || job.Status == statemachine.Queued
	err = d.writeStatus(jobID, statemachine.Queued, effectiveForce,
		map[string]any{"requeued_from": job.TargetHost},
		func(j *types.Job) {
			j.TargetHost = ""
			if preferredHost != "" {
				j.PreferredHost = preferredHost
				j.RequireHost = requireHost
			}
		},
	)
	if err != nil {
		return err
	}

	updated, err := d.reg.Get(jobID)
	if err != nil {
		return err
	}
	return d.q.Enqueue(types.QueueEntry{JobID: jobID, PreferredHost: updated.PreferredHost, RequireHost: updated.RequireHost})
}

// Fail implements the ops fail surface. Without force, it refuses
// terminal and {QUEUED, LAUNCHING} states (those should be canceled
// instead).
func (d *Dispatcher) Fail(jobID string, force bool, reason string) error {
	job, err := d.reg.Get(jobID)
	if err != nil {
		return err
	}
	if !force {
		if statemachine.IsTerminal(job.Status) || job.Status == statemachine.Queued || job.Status == statemachine.Launching {
			return apierr.Conflict("cannot fail job in status %s without force; use cancel", job.Status)
		}
	}

	var extras map[string]any
	if reason != "" {
		extras = map[string]any{"error": reason}
	}
	if err := d.writeStatus(jobID, statemachine.Failed, force, extras, func(j *types.Job) {
		if reason != "" {
			j.Error = reason
		}
	}); err != nil {
		return err
	}
	log.WithJobID(jobID).Warn().Str("reason", reason).Msg("job failed by ops action")
	return d.q.Remove(jobID)
}

// Cancel implements the ops cancel surface. Without force, it refuses
// only terminal states.
func (d *Dispatcher) Cancel(jobID string, force bool, reason string) error {
	job, err := d.reg.Get(jobID)
	if err != nil {
		return err
	}
	if !force && statemachine.IsTerminal(job.Status) {
		return apierr.Conflict("cannot cancel job in terminal status %s without force", job.Status)
	}

	var extras map[string]any
	if reason != "" {
		extras = map[string]any{"error": reason}
	}
	if err := d.writeStatus(jobID, statemachine.Canceled, force, extras, func(j *types.Job) {
		if reason != "" {
			j.Error = reason
		}
	}); err != nil {
		return err
	}
	log.WithJobID(jobID).Info().Str("reason", reason).Msg("job canceled by ops action")
	return d.q.Remove(jobID)
}

// CleanupQueue deletes any queue entry whose Registry record is
// missing or no longer in {QUEUED, LAUNCHING}, and returns the count
// removed.
func (d *Dispatcher) CleanupQueue() (int, error) {
	entries, err := d.q.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		job, err := d.reg.Get(entry.JobID)
		stale := err != nil || (job.Status != statemachine.Queued && job.Status != statemachine.Launching)
		if !stale {
			continue
		}
		if err := d.q.Remove(entry.JobID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Stop implements the client-facing POST /stop/{job_id} (§4.3).
func (d *Dispatcher) Stop(jobID string) (string, error) {
	job, err := d.reg.Get(jobID)
	if err != nil {
		return "", err
	}

	switch job.Status {
	case statemachine.Launching, statemachine.Queued:
		if err := d.q.Remove(jobID); err != nil {
			return "", err
		}
		if err := d.writeStatus(jobID, statemachine.Canceled, false, nil, nil); err != nil {
			return "", err
		}
		return "job canceled before dispatch", nil
	case statemachine.Dispatched, statemachine.Running:
		if err := d.writeStatus(jobID, statemachine.StopRequested, false, nil, nil); err != nil {
			return "", err
		}
		return "stop requested; a running container is not interrupted", nil
	default:
		return fmt.Sprintf("job already in status %s; nothing to stop", job.Status), nil
	}
}

// Delete removes a job's Registry entry and its on-disk directory.
// Terminal status is not required (§4.3: "the admin explicitly accepts
// data loss").
func (d *Dispatcher) Delete(jobID string) error {
	_ = d.q.Remove(jobID)
	if err := d.reg.Delete(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(d.cfg.JobsDir(), jobID)); err != nil {
		return apierr.Internal("remove job directory", err)
	}
	return nil
}
