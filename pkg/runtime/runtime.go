// Package runtime abstracts the container backend the worker agent
// runs a job in (spec.md §1 treats it as an external collaborator,
// specified only at this interface). ContainerdRunner is the only
// implementation; a test fake can satisfy Runner for pkg/agent tests
// without a real containerd socket.
package runtime

import "context"

// Spec describes the one-shot container a job runs in.
type Spec struct {
	ContainerName string
	Image         string
	Command       []string
	Env           map[string]string
	Volumes       []VolumeMount
	LogPath       string // host path logs are streamed to
}

// VolumeMount is a host-to-container bind mount.
type VolumeMount struct {
	Host      string
	Container string
	Mode      string // "ro" or "rw"; defaults to "rw"
}

// Runner is the capability the worker agent depends on to pull, run,
// and reap job containers.
type Runner interface {
	// PullImage best-effort pulls image, falling back to whatever is
	// already cached locally on failure.
	PullImage(ctx context.Context, image string) error
	// RemoveIfExists stops and deletes any container named name. Not an
	// error if none exists (stale retry cleanup, §4.6 step 5).
	RemoveIfExists(ctx context.Context, name string) error
	// Run creates and starts a container per spec, streaming its
	// combined stdout/stderr to spec.LogPath, and returns its id.
	Run(ctx context.Context, spec Spec) (containerID string, err error)
	// Wait blocks until the container exits and returns its exit code,
	// then deletes the container and its snapshot.
	Wait(ctx context.Context, containerID string) (exitCode int, err error)
	Close() error
}
