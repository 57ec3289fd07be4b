// Package registry is the job_id -> job metadata mapping: a single
// file protected by an advisory exclusive lock and written via
// atomic replace (§3 Job Registry).
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/opeva/pkg/apierr"
	"github.com/cuemby/opeva/pkg/fsutil"
	"github.com/cuemby/opeva/pkg/lock"
	"github.com/cuemby/opeva/pkg/types"
)

// Registry owns the on-disk job_track.json file plus an in-process
// read-through cache, per the design note "ad-hoc mutable cache -> a
// single owned structure guarded by a mutex". The file remains the
// source of truth: other processes may mutate it through the same
// lock+atomic-replace protocol, and a process restart simply reloads
// from disk.
type Registry struct {
	path     string
	fileLock *lock.FileLock
	jobsDir  string // per-job job_info.json snapshots; "" disables them

	mu   sync.RWMutex
	jobs map[string]*types.Job
}

// Open loads (or initializes) the registry at path, guarded by a
// lockfile at lockPath. jobsDir, if non-empty, is where a per-job
// job_info.json snapshot is mirrored on every write (§6 persisted
// layout); job_track.json remains the source of truth.
func Open(path, lockPath, jobsDir string) (*Registry, error) {
	r := &Registry{
		path:     path,
		fileLock: lock.New(lockPath),
		jobsDir:  jobsDir,
		jobs:     make(map[string]*types.Job),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierr.Internal("read registry", err)
	}
	if len(data) == 0 {
		return nil
	}
	var jobs map[string]*types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return apierr.Internal("decode registry", err)
	}
	r.mu.Lock()
	r.jobs = jobs
	r.mu.Unlock()
	return nil
}

// persist must be called with fileLock held.
func (r *Registry) persist() error {
	r.mu.RLock()
	data, err := json.Marshal(r.jobs)
	snapshot := make(map[string]*types.Job, len(r.jobs))
	for id, job := range r.jobs {
		cp := *job
		snapshot[id] = &cp
	}
	r.mu.RUnlock()
	if err != nil {
		return apierr.Internal("marshal registry", err)
	}
	if err := fsutil.WriteAtomic(r.path, data, 0o644); err != nil {
		return apierr.Internal("write registry", err)
	}
	if r.jobsDir != "" {
		for id, job := range snapshot {
			if err := r.writeJobInfo(id, job); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeJobInfo mirrors job into jobs/<job_id>/job_info.json, a
// convenience copy for direct inspection; job_track.json stays
// authoritative. A failure here is returned from persist, after
// job_track.json has already been replaced.
func (r *Registry) writeJobInfo(jobID string, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apierr.Internal("marshal job_info", err)
	}
	dir := filepath.Join(r.jobsDir, jobID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return apierr.Internal("create job dir", err)
	}
	if err := fsutil.WriteAtomic(filepath.Join(dir, "job_info.json"), data, 0o644); err != nil {
		return apierr.Internal("write job_info", err)
	}
	return nil
}

// withLock serializes concurrent writers to the registry file through
// the companion advisory lock, reloading from disk inside the critical
// section so another process's concurrent write is never clobbered.
func (r *Registry) withLock(fn func() error) error {
	return lock.WithLock(r.fileLock, func() error {
		if err := r.reload(); err != nil {
			return err
		}
		if err := fn(); err != nil {
			return err
		}
		return r.persist()
	})
}

// Put inserts or replaces the registry record for job.JobID.
func (r *Registry) Put(job *types.Job) error {
	return r.withLock(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		cp := *job
		r.jobs[job.JobID] = &cp
		return nil
	})
}

// Get returns a copy of the registry record for jobID, or a NotFound
// apierr if it doesn't exist.
func (r *Registry) Get(jobID string) (*types.Job, error) {
	if err := r.reload(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, apierr.NotFound("job not found: %s", jobID)
	}
	cp := *job
	return &cp, nil
}

// List returns a copy of every registry record.
func (r *Registry) List() ([]*types.Job, error) {
	if err := r.reload(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

// Update applies mutate to the current record for jobID inside the
// registry's critical section and persists the result. mutate
// receives a pointer it may modify freely.
func (r *Registry) Update(jobID string, mutate func(*types.Job) error) error {
	return r.withLock(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		job, ok := r.jobs[jobID]
		if !ok {
			return apierr.NotFound("job not found: %s", jobID)
		}
		return mutate(job)
	})
}

// Delete removes jobID from the registry. Idempotent.
func (r *Registry) Delete(jobID string) error {
	return r.withLock(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.jobs, jobID)
		return nil
	})
}
