// Package config loads the coordinator's and agent's environment-driven
// configuration and validates job config paths against path traversal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Coordinator holds the coordinator process's environment-derived
// configuration (§6 "Environment variables").
type Coordinator struct {
	Shared           string
	AvailableHosts   []string
	HeartbeatTTL     time.Duration
	JobStatusTTL     time.Duration
	WorkerStaleGrace time.Duration
	QueueClaimTTL    time.Duration
	ListenAddr       string
}

// LoadCoordinator reads Coordinator config from the environment,
// applying the same defaults the teacher's services use for
// comparable TTL-shaped settings.
func LoadCoordinator() (*Coordinator, error) {
	shared := getenv("SHARED", "/opt/opeva_shared_data")
	cfg := &Coordinator{
		Shared:           shared,
		AvailableHosts:   splitHosts(getenv("AVAILABLE_HOSTS", "local")),
		HeartbeatTTL:     getenvDuration("HEARTBEAT_TTL", 30*time.Second),
		JobStatusTTL:     getenvDuration("JOB_STATUS_TTL", 5*time.Minute),
		WorkerStaleGrace: getenvDuration("WORKER_STALE_GRACE", 30*time.Second),
		QueueClaimTTL:    getenvDuration("QUEUE_CLAIM_TTL", 15*time.Second),
		ListenAddr:       getenv("LISTEN_ADDR", ":8000"),
	}
	if len(cfg.AvailableHosts) == 0 {
		return nil, fmt.Errorf("AVAILABLE_HOSTS must name at least one host")
	}
	return cfg, nil
}

// ConfigsDir is the per-job simulation-config root under Shared.
func (c *Coordinator) ConfigsDir() string { return filepath.Join(c.Shared, "configs") }

// JobsDir is the per-job working-directory root under Shared.
func (c *Coordinator) JobsDir() string { return filepath.Join(c.Shared, "jobs") }

// QueueDir is the work-queue directory under Shared.
func (c *Coordinator) QueueDir() string { return filepath.Join(c.Shared, "queue") }

// RegistryPath is the single-file Job Registry under Shared.
func (c *Coordinator) RegistryPath() string { return filepath.Join(c.Shared, "job_track.json") }

// RegistryLockPath is the Registry's companion advisory lockfile.
func (c *Coordinator) RegistryLockPath() string {
	return filepath.Join(c.Shared, "job_track.json.lock")
}

// Agent holds the worker agent process's environment-derived
// configuration.
type Agent struct {
	WorkerID          string
	CoordinatorURL    string
	Shared            string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ContainerdSocket  string
	DockerNetwork     string
}

// LoadAgent reads Agent config from the environment, mirroring
// original_source/worker_agent.py's env-var surface.
func LoadAgent() (*Agent, error) {
	hostname, _ := os.Hostname()
	cfg := &Agent{
		WorkerID:          getenv("WORKER_ID", hostname),
		CoordinatorURL:    getenv("COORDINATOR_URL", "http://localhost:8000"),
		Shared:            getenv("SHARED", "/opt/opeva_shared_data"),
		PollInterval:      getenvDuration("POLL_INTERVAL", 5*time.Second),
		HeartbeatInterval: getenvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ContainerdSocket:  getenv("CONTAINERD_SOCKET", ""),
		DockerNetwork:     getenv("OPEVA_NETWORK", "opeva_network"),
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("WORKER_ID must not be empty")
	}
	return cfg, nil
}

// LogPath is the shared-filesystem path a worker streams job logs to.
func (a *Agent) LogPath(jobID string) string {
	return filepath.Join(a.Shared, "jobs", jobID, "logs", jobID+".log")
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	// Accept either a bare integer (seconds, matching the Python
	// agent's env-var convention) or a Go duration string.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func splitHosts(v string) []string {
	var out []string
	for _, h := range strings.Split(v, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// configsPrefix is the dispatch-visible mount point every stored
// config_path carries, matching original_source's
// `app/services/job_service.py` normalization
// (`if not config_path.startswith("configs/"): config_path = f"configs/{config_path}"`).
const configsPrefix = "configs/"

// WithConfigsPrefix adds the "configs/" prefix to a path relative to
// ConfigsDir(), for storing on a Job or returning in a dispatch
// payload, without double-prefixing an already-prefixed path.
func WithConfigsPrefix(rel string) string {
	if strings.HasPrefix(rel, configsPrefix) {
		return rel
	}
	return configsPrefix + rel
}

// TrimConfigsPrefix strips the "configs/" prefix added by
// WithConfigsPrefix, recovering the path relative to ConfigsDir() for
// filesystem reads.
func TrimConfigsPrefix(rel string) string {
	return strings.TrimPrefix(rel, configsPrefix)
}

// ValidateConfigPath normalizes a caller-supplied config path and
// rejects traversal outside configsDir (§4.3, §9). It resolves
// symlinks so a link that escapes configsDir is also rejected.
func ValidateConfigPath(configsDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("config_path must not be empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("config_path must be relative: %q", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config_path escapes configs directory: %q", rel)
	}

	full := filepath.Join(configsDir, cleaned)
	resolvedConfigsDir, err := filepath.EvalSymlinks(configsDir)
	if err != nil {
		// configsDir not created yet is not this function's problem;
		// the caller will fail later trying to read the file.
		resolvedConfigsDir = configsDir
	}
	resolvedFull, err := filepath.EvalSymlinks(full)
	if err == nil {
		rp, err := filepath.Rel(resolvedConfigsDir, resolvedFull)
		if err != nil || rp == ".." || strings.HasPrefix(rp, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("config_path resolves outside configs directory: %q", rel)
		}
	}
	return full, nil
}
