// Package agent implements the worker agent's poll-claim-run-report
// loop (§4.6): a single-worker cooperative event loop that claims one
// job at a time, runs it inside a container via pkg/runtime, streams
// its logs to the shared filesystem, and reports status back to the
// coordinator over HTTP.
package agent

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/opeva/pkg/config"
	"github.com/cuemby/opeva/pkg/dispatcher"
	"github.com/cuemby/opeva/pkg/fsutil"
	"github.com/cuemby/opeva/pkg/log"
	"github.com/cuemby/opeva/pkg/runtime"
	"github.com/cuemby/opeva/pkg/types"
)

const maxPollBackoff = 30 * time.Second
const maxStatusRetries = 5

// Agent runs the worker loop described in §4.6.
type Agent struct {
	cfg    *config.Agent
	client *Client
	runner runtime.Runner
	logger zerolog.Logger

	lastHeartbeat time.Time
}

// New returns an Agent polling cfg.CoordinatorURL and running jobs
// through runner.
func New(cfg *config.Agent, runner runtime.Runner) *Agent {
	return &Agent{
		cfg:    cfg,
		client: NewClient(cfg.CoordinatorURL),
		runner: runner,
		logger: log.WithWorkerID(cfg.WorkerID),
	}
}

// Run blocks in the poll loop until ctx is canceled, finishing any
// in-flight job before returning (graceful shutdown per §4.6
// "Cancellation").
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}

		a.maybeHeartbeat(ctx, false)

		payload, ok, err := a.client.NextJob(ctx, a.cfg.WorkerID)
		if err != nil {
			a.logger.Warn().Err(err).Msg("poll failed")
			backoff = capBackoff(backoff * 2)
			sleepCtx(ctx, backoff)
			continue
		}
		if !ok {
			backoff = a.cfg.PollInterval
			sleepCtx(ctx, a.cfg.PollInterval)
			continue
		}

		backoff = a.cfg.PollInterval
		// The claimed job runs detached from ctx so a shutdown signal
		// lets it finish and report its terminal status.
		a.runJob(context.WithoutCancel(ctx), payload)
	}
}

func (a *Agent) maybeHeartbeat(ctx context.Context, force bool) {
	if a.cfg.HeartbeatInterval <= 0 {
		return
	}
	if !force && time.Since(a.lastHeartbeat) < a.cfg.HeartbeatInterval {
		return
	}
	if err := a.client.PostHeartbeat(ctx, a.cfg.WorkerID, nil); err != nil {
		a.logger.Debug().Err(err).Msg("heartbeat failed")
		return
	}
	a.lastHeartbeat = time.Now()
}

// runJob executes one claimed job end to end: prepare log directory,
// pull, remove stale container, run, report RUNNING, wait, report
// terminal status (§4.6 steps 3-10).
func (a *Agent) runJob(ctx context.Context, payload *types.DispatchPayload) {
	logger := a.logger.With().Str("job_id", payload.JobID).Logger()
	logPath := a.cfg.LogPath(payload.JobID)
	if err := fsutil.EnsureDir(filepath.Dir(logPath)); err != nil {
		logger.Error().Err(err).Msg("create log directory")
		a.reportTerminal(ctx, payload.JobID, "failed", nil, err.Error())
		return
	}

	if err := a.runner.PullImage(ctx, payload.Image); err != nil {
		logger.Warn().Err(err).Msg("pull image failed, trying local cache")
	}
	if err := a.runner.RemoveIfExists(ctx, payload.ContainerName); err != nil {
		logger.Warn().Err(err).Msg("remove stale container failed")
	}

	volumes := make([]runtime.VolumeMount, 0, len(payload.Volumes))
	for _, v := range payload.Volumes {
		volumes = append(volumes, runtime.VolumeMount{Host: v.Host, Container: v.Container, Mode: v.Mode})
	}

	containerID, err := a.runner.Run(ctx, runtime.Spec{
		ContainerName: payload.ContainerName,
		Image:         payload.Image,
		Command:       payload.Command,
		Env:           payload.Env,
		Volumes:       volumes,
		LogPath:       logPath,
	})
	if err != nil {
		logger.Error().Err(err).Msg("start container failed")
		a.reportTerminal(ctx, payload.JobID, "failed", nil, err.Error())
		return
	}

	a.postWithRetry(ctx, dispatcher.StatusReport{
		JobID:         payload.JobID,
		Status:        "running",
		WorkerID:      a.cfg.WorkerID,
		ContainerID:   containerID,
		ContainerName: payload.ContainerName,
	})

	exitCode, waitErr := a.runner.Wait(ctx, containerID)
	status := "finished"
	errMsg := ""
	if waitErr != nil {
		status = "failed"
		errMsg = waitErr.Error()
	} else if exitCode != 0 {
		status = "failed"
	}
	a.reportTerminal(ctx, payload.JobID, status, &exitCode, errMsg)
	a.maybeHeartbeat(ctx, true)
}

func (a *Agent) reportTerminal(ctx context.Context, jobID, status string, exitCode *int, errMsg string) {
	a.postWithRetry(ctx, dispatcher.StatusReport{
		JobID:    jobID,
		Status:   status,
		WorkerID: a.cfg.WorkerID,
		ExitCode: exitCode,
		Error:    errMsg,
	})
}

// postWithRetry retries a status post with capped backoff: the
// contract requires at-least-once delivery of terminal status
// (§5 "Cancellation & timeouts"), so transient coordinator
// unavailability must not silently drop it.
func (a *Agent) postWithRetry(ctx context.Context, report dispatcher.StatusReport) {
	backoff := time.Second
	for attempt := 1; attempt <= maxStatusRetries; attempt++ {
		if err := a.client.PostStatus(ctx, report); err == nil {
			return
		} else if attempt == maxStatusRetries {
			a.logger.Error().Err(err).Str("job_id", report.JobID).Str("status", report.Status).
				Msg("status report exhausted retries")
			return
		}
		sleepCtx(ctx, backoff)
		backoff = capBackoff(backoff * 2)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func capBackoff(d time.Duration) time.Duration {
	if d > maxPollBackoff {
		return maxPollBackoff
	}
	if d <= 0 {
		return time.Second
	}
	return d
}
