package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/opeva/pkg/clock"
	"github.com/cuemby/opeva/pkg/config"
	"github.com/cuemby/opeva/pkg/dispatcher"
	"github.com/cuemby/opeva/pkg/queue"
	"github.com/cuemby/opeva/pkg/reaper"
	"github.com/cuemby/opeva/pkg/registry"
	"github.com/cuemby/opeva/pkg/statusstore"
)

const sampleConfig = `
experiment:
  name: Remote
  run_name: RunA
container:
  image: opeva/sim:latest
  command: ["run.sh"]
`

func newTestServer(t *testing.T, hosts []string) (*Server, *config.Coordinator, *clock.Fake) {
	t.Helper()
	shared := t.TempDir()
	cfg := &config.Coordinator{
		Shared:           shared,
		AvailableHosts:   hosts,
		HeartbeatTTL:     30 * time.Second,
		JobStatusTTL:     5 * time.Minute,
		WorkerStaleGrace: 30 * time.Second,
		QueueClaimTTL:    15 * time.Second,
	}
	require.NoError(t, os.MkdirAll(cfg.ConfigsDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ConfigsDir(), "a.yaml"), []byte(sampleConfig), 0o644))

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg, err := registry.Open(cfg.RegistryPath(), cfg.RegistryLockPath(), cfg.JobsDir())
	require.NoError(t, err)
	q, err := queue.New(cfg.QueueDir(), cfg.QueueClaimTTL, clk)
	require.NoError(t, err)
	store := statusstore.New(cfg.JobsDir())

	disp := dispatcher.New(cfg, reg, q, store, clk)
	rpr := reaper.New(cfg, disp, clk)
	return NewServer(disp, rpr), cfg, clk
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_ThenStatusAndJobInfo(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"local"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/run-simulation", map[string]string{"config_path": "a.yaml"})
	require.Equal(t, http.StatusOK, rec.Code)
	var submitted dispatcher.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, "queued", submitted.Status)

	rec = doJSON(t, router, http.MethodGet, "/status/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "queued", status["status"])

	rec = doJSON(t, router, http.MethodGet, "/job-info/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/status/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmit_BadRequestOnMissingConfig(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"local"})
	rec := doJSON(t, s.Router(), http.MethodPost, "/run-simulation", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_ServiceUnavailableWithoutHosts(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodPost, "/run-simulation", map[string]string{"config_path": "a.yaml"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAgentLifecycle_NextJobThenReport(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"remote1"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/run-simulation", map[string]string{"config_path": "a.yaml", "target_host": "remote1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var submitted dispatcher.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, router, http.MethodPost, "/api/agent/next-job", map[string]string{"worker_id": "other"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/agent/next-job", map[string]string{"worker_id": "remote1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, submitted.JobID, payload["job_id"])

	rec = doJSON(t, router, http.MethodPost, "/api/agent/job-status", map[string]any{
		"job_id": submitted.JobID, "status": "running", "worker_id": "remote1", "container_id": "cid-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	exit := 0
	rec = doJSON(t, router, http.MethodPost, "/api/agent/job-status", map[string]any{
		"job_id": submitted.JobID, "status": "finished", "worker_id": "remote1", "exit_code": exit,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/status/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "finished", status["status"])
	assert.Equal(t, float64(0), status["exit_code"])
}

func TestStopBeforeClaim_CancelsJob(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"local"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/run-simulation", map[string]string{"config_path": "a.yaml"})
	require.Equal(t, http.StatusOK, rec.Code)
	var submitted dispatcher.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, router, http.MethodPost, "/stop/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Empty(t, entries)
}

func TestResultAndProgress_PendingStubWhenMissing(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"local"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/run-simulation", map[string]string{"config_path": "a.yaml"})
	require.Equal(t, http.StatusOK, rec.Code)
	var submitted dispatcher.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, router, http.MethodGet, "/result/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"pending"}`, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/progress/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"pending"}`, rec.Body.String())
}

func TestLogs_ServesWrittenFile(t *testing.T) {
	s, cfg, _ := newTestServer(t, []string{"local"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/run-simulation", map[string]string{"config_path": "a.yaml"})
	require.Equal(t, http.StatusOK, rec.Code)
	var submitted dispatcher.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	logDir := filepath.Join(cfg.JobsDir(), submitted.JobID, "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, submitted.JobID+".log"), []byte("hello\n"), 0o644))

	rec = doJSON(t, router, http.MethodGet, "/logs/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/file-logs/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", rec.Body.String())
}

func TestHosts_ReportsOnlineAfterHeartbeat(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"remote1"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/agent/heartbeat", map[string]string{"worker_id": "remote1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/hosts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hosts map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hosts))
	assert.Equal(t, true, hosts["remote1"]["online"])
}

func TestOpsCancel_ThenDelete(t *testing.T) {
	s, cfg, _ := newTestServer(t, []string{"local"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/run-simulation", map[string]string{"config_path": "a.yaml"})
	require.Equal(t, http.StatusOK, rec.Code)
	var submitted dispatcher.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, router, http.MethodPost, "/ops/jobs/"+submitted.JobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/job/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := os.Stat(filepath.Join(cfg.JobsDir(), submitted.JobID))
	assert.True(t, os.IsNotExist(err))
}

func TestOpsCleanup_EmptyQueueRemovesNothing(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"local"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/ops/queue/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 0, result["removed"])
}
