package runtime

import (
	"context"
	"fmt"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace job containers run in.
	Namespace = "opeva"

	// DefaultSocketPath is containerd's default control socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRunner runs one-shot job containers via containerd,
// adapted from a long-running-service runtime to a claim-run-exit
// workflow: one container per job, deleted on exit.
type ContainerdRunner struct {
	client *containerd.Client
}

// NewContainerdRunner dials containerd at socketPath.
func NewContainerdRunner(socketPath string) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerdRunner{client: client}, nil
}

func (r *ContainerdRunner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *ContainerdRunner) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// PullImage is best-effort: a pull failure is not fatal since Run may
// still find the image in the local cache.
func (r *ContainerdRunner) PullImage(ctx context.Context, image string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.GetImage(ctx, image); err == nil {
		return nil
	}
	_, err := r.client.Pull(ctx, image, containerd.WithPullUnpack)
	return err
}

// RemoveIfExists tears down a stale container left by a prior attempt
// under the same job id (§4.6 step 5).
func (r *ContainerdRunner) RemoveIfExists(ctx context.Context, name string) error {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return nil // nothing to remove
	}
	if task, err := c.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}
	return c.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (r *ContainerdRunner) Run(ctx context.Context, spec Spec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image), oci.WithEnv(env)}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if mounts := toMounts(spec.Volumes); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ContainerName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerName+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	var ioCreator cio.Creator = cio.NullIO
	if spec.LogPath != "" {
		ioCreator = cio.LogFile(spec.LogPath)
	}
	task, err := container.NewTask(ctx, ioCreator)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}
	return container.ID(), nil
}

func (r *ContainerdRunner) Wait(ctx context.Context, containerID string) (int, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return -1, fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("load task %s: %w", containerID, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("wait task %s: %w", containerID, err)
	}
	status := <-statusC

	_, _ = task.Delete(ctx, containerd.WithProcessKill)
	_ = container.Delete(ctx, containerd.WithSnapshotCleanup)

	return int(status.ExitCode()), status.Error()
}

func toMounts(volumes []VolumeMount) []specs.Mount {
	mounts := make([]specs.Mount, 0, len(volumes))
	for _, v := range volumes {
		mode := v.Mode
		if mode == "" {
			mode = "rw"
		}
		mounts = append(mounts, specs.Mount{
			Source:      v.Host,
			Destination: v.Container,
			Type:        "bind",
			Options:     []string{mode, "bind"},
		})
	}
	return mounts
}
