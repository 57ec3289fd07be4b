package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/opeva/pkg/statemachine"
	"github.com/cuemby/opeva/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "job_track.json"), filepath.Join(dir, "job_track.json.lock"), filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	return r
}

func TestPutGet_RoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	job := &types.Job{JobID: "job-1", Status: statemachine.Queued, StatusUpdatedAt: time.Now()}
	require.NoError(t, r.Put(job))

	got, err := r.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, statemachine.Queued, got.Status)
}

func TestGet_MissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("nope")
	require.Error(t, err)
}

func TestUpdate_MutatesAndPersists(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put(&types.Job{JobID: "job-1", Status: statemachine.Queued}))

	require.NoError(t, r.Update("job-1", func(j *types.Job) error {
		j.Status = statemachine.Dispatched
		j.TargetHost = "remote1"
		return nil
	}))

	got, err := r.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, statemachine.Dispatched, got.Status)
	assert.Equal(t, "remote1", got.TargetHost)
}

func TestDelete_IsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Delete("never-existed"))
	require.NoError(t, r.Put(&types.Job{JobID: "job-1"}))
	require.NoError(t, r.Delete("job-1"))
	require.NoError(t, r.Delete("job-1"))
	_, err := r.Get("job-1")
	assert.Error(t, err)
}

func TestPut_MirrorsJobInfoSnapshot(t *testing.T) {
	dir := t.TempDir()
	jobsDir := filepath.Join(dir, "jobs")
	r, err := Open(filepath.Join(dir, "job_track.json"), filepath.Join(dir, "job_track.json.lock"), jobsDir)
	require.NoError(t, err)
	require.NoError(t, r.Put(&types.Job{JobID: "job-1", Status: statemachine.Queued}))

	data, err := os.ReadFile(filepath.Join(jobsDir, "job-1", "job_info.json"))
	require.NoError(t, err)
	var got types.Job
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, statemachine.Queued, got.Status)
}

// Reopening a registry at the same path must observe another process's
// (or instance's) writes, since the file is the source of truth.
func TestReopen_ObservesPriorWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job_track.json")
	lockPath := filepath.Join(dir, "job_track.json.lock")

	r1, err := Open(path, lockPath, filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	require.NoError(t, r1.Put(&types.Job{JobID: "job-1", Status: statemachine.Queued}))

	r2, err := Open(path, lockPath, filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	got, err := r2.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, statemachine.Queued, got.Status)
}
