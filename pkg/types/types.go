// Package types holds the domain records shared across the coordinator
// and the worker agent: the job record, its queue projection, host
// liveness, and the on-disk status record.
package types

import (
	"time"

	"github.com/cuemby/opeva/pkg/statemachine"
)

// Job is a simulation run. Identity (JobID) is immutable; everything
// else mutates over the job's lifecycle per pkg/statemachine.
type Job struct {
	JobID         string `json:"job_id"`
	JobName       string `json:"job_name"`
	ConfigPath    string `json:"config_path"`
	PreferredHost string `json:"preferred_host,omitempty"`
	RequireHost   bool   `json:"require_host"`
	TargetHost    string `json:"target_host,omitempty"`

	Status          statemachine.Status `json:"status"`
	StatusUpdatedAt time.Time           `json:"status_updated_at"`

	ContainerID   string `json:"container_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Error         string `json:"error,omitempty"`

	ExperimentName string `json:"experiment_name,omitempty"`
	RunName        string `json:"run_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Extras carries arbitrary caller-supplied details verbatim, e.g.
	// a StatusReport's "details" map or the reaper's "requeued_from".
	Extras map[string]any `json:"extras,omitempty"`
}

// QueueEntry is the pending-work descriptor written into the queue
// directory. Exactly one may exist per job_id (I1).
type QueueEntry struct {
	JobID         string `json:"job_id"`
	PreferredHost string `json:"preferred_host,omitempty"`
	RequireHost   bool   `json:"require_host"`
}

// HostHeartbeat is the in-memory liveness record for one worker.
type HostHeartbeat struct {
	WorkerID string         `json:"worker_id"`
	LastSeen time.Time      `json:"last_seen"`
	Info     map[string]any `json:"info,omitempty"`
}

// StatusRecord is the on-disk per-job status file: the minimal
// authoritative projection of Job used by the Status Store.
type StatusRecord struct {
	JobID           string              `json:"job_id"`
	Status          statemachine.Status `json:"status"`
	StatusUpdatedAt time.Time           `json:"status_updated_at"`
	ExitCode        *int                `json:"exit_code,omitempty"`
	Error           string              `json:"error,omitempty"`
	Extras          map[string]any      `json:"extras,omitempty"`
}

// VolumeBinding is a single host-to-container bind mount in a dispatch
// payload.
type VolumeBinding struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	Mode      string `json:"mode,omitempty"`
}

// DispatchPayload is what PopNext hands to a worker that wins a claim.
type DispatchPayload struct {
	JobID         string            `json:"job_id"`
	JobName       string            `json:"job_name"`
	ConfigPath    string            `json:"config_path"`
	PreferredHost string            `json:"preferred_host,omitempty"`
	Image         string            `json:"image"`
	Command       []string          `json:"command,omitempty"`
	ContainerName string            `json:"container_name"`
	Volumes       []VolumeBinding   `json:"volumes,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// HostSnapshot is the per-host view returned by GET /hosts.
type HostSnapshot struct {
	Online   bool           `json:"online"`
	LastSeen time.Time      `json:"last_seen"`
	Info     map[string]any `json:"info,omitempty"`
	Running  int            `json:"running"`
}
