package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/opeva/pkg/config"
	"github.com/cuemby/opeva/pkg/runtime"
	"github.com/cuemby/opeva/pkg/types"
)

type fakeRunner struct {
	mu       sync.Mutex
	pulled   []string
	removed  []string
	ran      []runtime.Spec
	exitCode int
	runErr   error
	waitErr  error
}

func (f *fakeRunner) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRunner) RemoveIfExists(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRunner) Run(_ context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, spec)
	if f.runErr != nil {
		return "", f.runErr
	}
	return "container-1", nil
}

func (f *fakeRunner) Wait(_ context.Context, _ string) (int, error) {
	return f.exitCode, f.waitErr
}

func (f *fakeRunner) Close() error { return nil }

// fakeCoordinator serves one dispatch payload, then 204 forever, and
// records every status report and heartbeat it receives.
type fakeCoordinator struct {
	mu        sync.Mutex
	served    int32
	reports   []map[string]any
	heartbeat int32
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/next-job", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&f.served, 1) == 1 {
			_ = json.NewEncoder(w).Encode(types.DispatchPayload{
				JobID:         "job-1",
				JobName:       "job-1",
				Image:         "opeva/sim:latest",
				Command:       []string{"run.sh"},
				ContainerName: "opeva-job-1",
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/agent/job-status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.reports = append(f.reports, body)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/api/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.heartbeat, 1)
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	return mux
}

func TestAgent_RunJob_ReportsRunningThenFinished(t *testing.T) {
	coord := &fakeCoordinator{}
	srv := httptest.NewServer(coord.handler())
	defer srv.Close()

	runner := &fakeRunner{exitCode: 0}
	cfg := &config.Agent{
		WorkerID:          "remote1",
		CoordinatorURL:    srv.URL,
		Shared:            t.TempDir(),
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Hour, // avoid racing extra heartbeats in this test
	}
	a := New(cfg, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = a.Run(ctx)

	require.Len(t, runner.ran, 1)
	assert.Equal(t, "opeva/sim:latest", runner.ran[0].Image)

	coord.mu.Lock()
	defer coord.mu.Unlock()
	require.GreaterOrEqual(t, len(coord.reports), 2)
	assert.Equal(t, "running", coord.reports[0]["status"])
	assert.Equal(t, "finished", coord.reports[1]["status"])
}

func TestAgent_RunJob_NonZeroExitReportsFailed(t *testing.T) {
	coord := &fakeCoordinator{}
	srv := httptest.NewServer(coord.handler())
	defer srv.Close()

	runner := &fakeRunner{exitCode: 1}
	cfg := &config.Agent{
		WorkerID:          "remote1",
		CoordinatorURL:    srv.URL,
		Shared:            t.TempDir(),
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
	a := New(cfg, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = a.Run(ctx)

	coord.mu.Lock()
	defer coord.mu.Unlock()
	require.GreaterOrEqual(t, len(coord.reports), 2)
	assert.Equal(t, "failed", coord.reports[1]["status"])
}
