// Package dispatcher is the coordinator-side orchestration logic of
// §4.3: it enqueues submissions, hands out work to polling agents,
// enforces reported status transitions, and tracks worker liveness for
// the reaper. It is the one writer of the Registry and Status Store,
// so every other component reaches the job state through it.
package dispatcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/opeva/pkg/apierr"
	"github.com/cuemby/opeva/pkg/clock"
	"github.com/cuemby/opeva/pkg/config"
	"github.com/cuemby/opeva/pkg/fsutil"
	"github.com/cuemby/opeva/pkg/log"
	"github.com/cuemby/opeva/pkg/metrics"
	"github.com/cuemby/opeva/pkg/queue"
	"github.com/cuemby/opeva/pkg/registry"
	"github.com/cuemby/opeva/pkg/statemachine"
	"github.com/cuemby/opeva/pkg/statusstore"
	"github.com/cuemby/opeva/pkg/types"
)

// Dispatcher wires the Registry, Queue, and Status Store together
// behind the state-machine-enforced write path.
type Dispatcher struct {
	cfg    *config.Coordinator
	reg    *registry.Registry
	q      *queue.Queue
	status *statusstore.Store
	clk    clock.Clock
	logger zerolog.Logger

	hbMu       sync.Mutex
	heartbeats map[string]*types.HostHeartbeat
}

// New returns a Dispatcher over the given components.
func New(cfg *config.Coordinator, reg *registry.Registry, q *queue.Queue, status *statusstore.Store, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		reg:        reg,
		q:          q,
		status:     status,
		clk:        clk,
		logger:     log.WithComponent("dispatcher"),
		heartbeats: make(map[string]*types.HostHeartbeat),
	}
}

// SubmitRequest is the decoded POST /run-simulation body.
type SubmitRequest struct {
	ConfigPath string         `json:"config_path,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	SaveAs     string         `json:"save_as,omitempty"`
	TargetHost string         `json:"target_host,omitempty"`
}

// SubmitResult is the POST /run-simulation response body.
type SubmitResult struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Host    string `json:"host,omitempty"`
	JobName string `json:"job_name"`
}

// Submit validates a new job, derives its name from its config,
// persists it as LAUNCHING, transitions it to QUEUED, and enqueues it
// (§4.3, §8 scenarios 1-2).
func (d *Dispatcher) Submit(req SubmitRequest) (*SubmitResult, error) {
	if len(d.cfg.AvailableHosts) == 0 {
		return nil, apierr.ServiceUnavailable("no hosts configured")
	}
	if req.TargetHost != "" && !d.isKnownHost(req.TargetHost) {
		return nil, apierr.BadRequest("unknown target_host: %s", req.TargetHost)
	}
	if req.ConfigPath == "" && req.Config == nil {
		return nil, apierr.BadRequest("one of config_path or config must be provided")
	}

	jobID := uuid.New().String()

	jobConfig, configPath, err := d.resolveConfig(jobID, req)
	if err != nil {
		return nil, err
	}

	now := d.clk.Now()
	jobName := config.DeriveJobName(jobConfig.Experiment.Name, jobConfig.Experiment.RunName)
	job := &types.Job{
		JobID:           jobID,
		JobName:         jobName,
		ConfigPath:      config.WithConfigsPrefix(configPath),
		PreferredHost:   req.TargetHost,
		RequireHost:     req.TargetHost != "",
		Status:          statemachine.Launching,
		StatusUpdatedAt: now,
		ExperimentName:  jobConfig.Experiment.Name,
		RunName:         jobConfig.Experiment.RunName,
		CreatedAt:       now,
	}

	if err := d.reg.Put(job); err != nil {
		return nil, err
	}
	if err := d.status.Write(types.StatusRecord{JobID: jobID, Status: statemachine.Launching, StatusUpdatedAt: now}); err != nil {
		return nil, err
	}
	if err := d.writeStatus(jobID, statemachine.Queued, false, nil, nil); err != nil {
		return nil, err
	}
	if err := d.q.Enqueue(types.QueueEntry{JobID: jobID, PreferredHost: job.PreferredHost, RequireHost: job.RequireHost}); err != nil {
		return nil, err
	}

	d.logger.Info().Str("job_id", jobID).Str("job_name", jobName).Msg("job submitted")
	return &SubmitResult{JobID: jobID, Status: string(statemachine.Queued), Host: job.PreferredHost, JobName: jobName}, nil
}

// resolveConfig loads the submission's config, either from a validated
// path under ConfigsDir or by persisting an inline document there, and
// returns the path relative to ConfigsDir. Submit applies
// config.WithConfigsPrefix before storing it on the Job.
func (d *Dispatcher) resolveConfig(jobID string, req SubmitRequest) (*config.JobConfig, string, error) {
	if req.ConfigPath != "" {
		full, err := config.ValidateConfigPath(d.cfg.ConfigsDir(), req.ConfigPath)
		if err != nil {
			return nil, "", apierr.BadRequest("%v", err)
		}
		jobConfig, err := config.LoadJobConfig(full)
		if err != nil {
			return nil, "", apierr.BadRequest("invalid config: %v", err)
		}
		return jobConfig, req.ConfigPath, nil
	}

	jobConfig, err := config.FromMap(req.Config)
	if err != nil {
		return nil, "", apierr.BadRequest("invalid inline config: %v", err)
	}
	filename := req.SaveAs
	if filename == "" {
		filename = jobID + ".yaml"
	}
	filename = filepath.Base(filename)
	data, err := jobConfig.Marshal()
	if err != nil {
		return nil, "", apierr.Internal("marshal inline config", err)
	}
	if err := fsutil.EnsureDir(d.cfg.ConfigsDir()); err != nil {
		return nil, "", err
	}
	if err := fsutil.WriteAtomic(filepath.Join(d.cfg.ConfigsDir(), filename), data, 0o644); err != nil {
		return nil, "", apierr.Internal("persist inline config", err)
	}
	return jobConfig, filename, nil
}

// PopNext claims the next matching queue entry for worker, dropping
// stale entries whose job has moved out of {QUEUED, LAUNCHING} before
// building the dispatch payload (§4.3).
func (d *Dispatcher) PopNext(workerID string) (*types.DispatchPayload, bool, error) {
	for {
		entry, ok, err := d.q.Claim(workerID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}

		job, err := d.reg.Get(entry.JobID)
		if err != nil {
			if apierr.KindOf(err) == apierr.KindNotFound {
				continue // registry entry gone; drop the stale queue entry
			}
			return nil, false, err
		}
		if job.Status != statemachine.Queued && job.Status != statemachine.Launching {
			continue // stale entry left behind by a racing requeue/cancel
		}

		payload, err := d.buildDispatchPayload(job)
		if err != nil {
			return nil, false, err
		}

		if err := d.writeStatus(job.JobID, statemachine.Dispatched, false,
			map[string]any{"worker_id": workerID},
			func(j *types.Job) { j.TargetHost = workerID },
		); err != nil {
			return nil, false, err
		}

		metrics.DispatchLatency.Observe(d.clk.Now().Sub(job.CreatedAt).Seconds())
		d.logger.Info().Str("job_id", job.JobID).Str("worker_id", workerID).Msg("job dispatched")
		return payload, true, nil
	}
}

func (d *Dispatcher) buildDispatchPayload(job *types.Job) (*types.DispatchPayload, error) {
	full := filepath.Join(d.cfg.ConfigsDir(), config.TrimConfigsPrefix(job.ConfigPath))
	jobConfig, err := config.LoadJobConfig(full)
	if err != nil {
		return nil, apierr.Internal("load job config for dispatch", err)
	}

	volumes := make([]types.VolumeBinding, 0, len(jobConfig.Container.Volumes))
	for _, v := range jobConfig.Container.Volumes {
		volumes = append(volumes, types.VolumeBinding{Host: v.Host, Container: v.Container, Mode: v.Mode})
	}

	return &types.DispatchPayload{
		JobID:         job.JobID,
		JobName:       job.JobName,
		ConfigPath:    job.ConfigPath,
		PreferredHost: job.PreferredHost,
		Image:         jobConfig.Container.Image,
		Command:       jobConfig.Container.Command,
		ContainerName: fmt.Sprintf("opeva-%s", job.JobID),
		Volumes:       volumes,
		Env:           jobConfig.Container.Env,
	}, nil
}

// StatusReport is the decoded POST /api/agent/job-status body.
type StatusReport struct {
	JobID         string         `json:"job_id"`
	Status        string         `json:"status"`
	WorkerID      string         `json:"worker_id,omitempty"`
	ContainerID   string         `json:"container_id,omitempty"`
	ContainerName string         `json:"container_name,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Error         string         `json:"error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// UpdateStatus applies an agent's status report through the
// state-machine-enforced write path, merges container/exit/error
// fields into the Registry, and clears the queue entry defensively
// (§4.3).
func (d *Dispatcher) UpdateStatus(req StatusReport) error {
	next := statemachine.Status(strings.ToLower(req.Status))
	if !statemachine.IsKnown(next) {
		return apierr.BadRequest("unknown status: %s", req.Status)
	}

	err := d.writeStatus(req.JobID, next, false, req.Details, func(j *types.Job) {
		if req.ContainerID != "" {
			j.ContainerID = req.ContainerID
		}
		if req.ContainerName != "" {
			j.ContainerName = req.ContainerName
		}
		if req.ExitCode != nil {
			j.ExitCode = req.ExitCode
		}
		if req.Error != "" {
			j.Error = req.Error
		}
	})
	if err != nil {
		return err
	}

	if next != statemachine.Queued {
		if err := d.q.Remove(req.JobID); err != nil {
			return err
		}
	}
	if req.WorkerID != "" {
		_ = d.RecordHeartbeat(req.WorkerID, nil) // best-effort; the report itself is what matters
	}
	return nil
}

// writeStatus is the sole place that performs the lock+read+validate+
// write critical section of §5: it enforces the state machine (unless
// force), runs mutate against the in-memory job, writes the Status
// Store, then lets the Registry's own critical section persist the
// same change. Status Store is always written before the Registry.
func (d *Dispatcher) writeStatus(jobID string, next statemachine.Status, force bool, extras map[string]any, mutate func(*types.Job)) error {
	return d.reg.Update(jobID, func(job *types.Job) error {
		if !force && !statemachine.CanTransition(job.Status, next) {
			metrics.InvalidTransitionsTotal.Inc()
			return apierr.Conflict("%v", &statemachine.InvalidTransitionError{From: job.Status, To: next})
		}

		now := d.clk.Now()
		if mutate != nil {
			mutate(job)
		}
		job.Status = next
		job.StatusUpdatedAt = now
		if len(extras) > 0 {
			if job.Extras == nil {
				job.Extras = make(map[string]any, len(extras))
			}
			for k, v := range extras {
				job.Extras[k] = v
			}
		}

		return d.status.Write(types.StatusRecord{
			JobID:           jobID,
			Status:          next,
			StatusUpdatedAt: now,
			ExitCode:        job.ExitCode,
			Error:           job.Error,
			Extras:          job.Extras,
		})
	})
}

func (d *Dispatcher) isKnownHost(host string) bool {
	for _, h := range d.cfg.AvailableHosts {
		if h == host {
			return true
		}
	}
	return false
}

// Status returns the authoritative Status Store record for jobID, for
// GET /status/{job_id}.
func (d *Dispatcher) Status(jobID string) (types.StatusRecord, error) { return d.status.Read(jobID) }

// JobsDir exposes the coordinator's per-job working-directory root so
// the HTTP layer can serve result/progress/log artifacts directly.
func (d *Dispatcher) JobsDir() string { return d.cfg.JobsDir() }

// ListJobs returns every Registry record, for GET /jobs.
func (d *Dispatcher) ListJobs() ([]*types.Job, error) { return d.reg.List() }

// GetJob returns one Registry record, for GET /job-info/{job_id}.
func (d *Dispatcher) GetJob(jobID string) (*types.Job, error) { return d.reg.Get(jobID) }

// QueueList returns the pending queue entries, for GET /queue.
func (d *Dispatcher) QueueList() ([]types.QueueEntry, error) { return d.q.List() }

// RecordHeartbeat stores a worker's liveness ping, rejecting an
// unrecognized worker_id (§6 agent-facing heartbeat).
func (d *Dispatcher) RecordHeartbeat(workerID string, info map[string]any) error {
	if !d.isKnownHost(workerID) {
		return apierr.BadRequest("unknown worker_id: %s", workerID)
	}
	d.hbMu.Lock()
	defer d.hbMu.Unlock()
	d.heartbeats[workerID] = &types.HostHeartbeat{WorkerID: workerID, LastSeen: d.clk.Now(), Info: info}
	return nil
}

// LastHeartbeat returns a worker's last recorded heartbeat time.
func (d *Dispatcher) LastHeartbeat(workerID string) (time.Time, bool) {
	d.hbMu.Lock()
	defer d.hbMu.Unlock()
	hb, ok := d.heartbeats[workerID]
	if !ok {
		return time.Time{}, false
	}
	return hb.LastSeen, true
}

// HostSnapshot reports one configured host's liveness and assigned-job
// count for GET /hosts.
func (d *Dispatcher) HostSnapshot(host string) (types.HostSnapshot, error) {
	jobs, err := d.reg.List()
	if err != nil {
		return types.HostSnapshot{}, err
	}
	running := 0
	for _, j := range jobs {
		if j.TargetHost == host && statemachine.HasAssignedContainer(j.Status) {
			running++
		}
	}

	snap := types.HostSnapshot{Running: running}
	if lastSeen, ok := d.LastHeartbeat(host); ok {
		snap.LastSeen = lastSeen
		snap.Online = d.clk.Now().Sub(lastSeen) <= d.cfg.HeartbeatTTL
	}
	if running > 0 {
		snap.Online = true
	}
	d.hbMu.Lock()
	if hb, ok := d.heartbeats[host]; ok {
		snap.Info = hb.Info
	}
	d.hbMu.Unlock()
	return snap, nil
}

// Hosts returns a snapshot for every configured host.
func (d *Dispatcher) Hosts() (map[string]types.HostSnapshot, error) {
	out := make(map[string]types.HostSnapshot, len(d.cfg.AvailableHosts))
	for _, h := range d.cfg.AvailableHosts {
		snap, err := d.HostSnapshot(h)
		if err != nil {
			return nil, err
		}
		out[h] = snap
	}
	return out, nil
}

// ReaperRequeue transitions a DISPATCHED job back to QUEUED and
// re-enqueues it, preserving host affinity (§4.4).
func (d *Dispatcher) ReaperRequeue(jobID, reason string, staleStatus bool) error {
	job, err := d.reg.Get(jobID)
	if err != nil {
		return err
	}
	extras := map[string]any{"requeued_from": job.TargetHost}
	if staleStatus {
		extras["stale_status"] = true
	} else {
		extras["error"] = reason
	}

	err = d.writeStatus(jobID, statemachine.Queued, false, extras, func(j *types.Job) {
		j.TargetHost = ""
		if !staleStatus {
			j.Error = reason
		}
	})
	if err != nil {
		return err
	}
	return d.q.Enqueue(types.QueueEntry{JobID: jobID, PreferredHost: job.PreferredHost, RequireHost: job.RequireHost})
}

// ReaperFail transitions a RUNNING/STOP_REQUESTED job to FAILED (§4.4).
func (d *Dispatcher) ReaperFail(jobID, reason string) error {
	return d.writeStatus(jobID, statemachine.Failed, false, map[string]any{"error": reason}, func(j *types.Job) {
		j.Error = reason
	})
}
