package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"flashpods/internal/apperrors"
	"flashpods/internal/job"
)

// Container labels identifying units owned by this service. List filters on
// the managed-by label so foreign containers are never touched.
const (
	labelManaged = "managed-by"
	labelOwner   = "flashpods"
	labelJobID   = "flashpods.job.id"
	labelJobType = "flashpods.job.type"
)

const (
	workMountPath      = "/work"
	artifactsMountPath = "/artifacts"
)

// DockerDriver runs jobs as containers on the host Docker daemon.
type DockerDriver struct {
	client *client.Client
}

// NewDockerDriver creates a driver over the daemon described by the
// environment (DOCKER_HOST et al).
func NewDockerDriver() (*DockerDriver, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerDriver{client: dockerClient}, nil
}

// Start creates and starts a container for the job. The container is created
// with the job's clamped resource limits and a locked-down security profile;
// a create or start failure leaves no container behind.
func (d *DockerDriver) Start(ctx context.Context, j *job.Job, spec StartSpec) (string, error) {
	if err := d.pullImageIfNeeded(ctx, j.Image); err != nil {
		return "", apperrors.Internal("runner.pullImage", fmt.Errorf("image %s: %w", j.Image, err))
	}

	containerConfig := &container.Config{
		Image:      j.Image,
		Env:        jobEnv(j),
		WorkingDir: workMountPath,
		Labels: map[string]string{
			labelManaged: labelOwner,
			labelJobID:   j.ID,
			labelJobType: string(j.Type),
		},
	}
	if j.Type == job.TypeWorker {
		containerConfig.Cmd = []string{"/bin/sh", "-c", j.Command}
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: spec.ArtifactsDir,
			Target: artifactsMountPath,
		},
	}
	if spec.InputDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   spec.InputDir,
			Target:   workMountPath,
			ReadOnly: j.Type.MountMode() == "ro",
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			NanoCPUs: int64(j.CPUs) * 1e9,
			Memory:   int64(j.MemoryGB) << 30,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}

	containerName := fmt.Sprintf("flashpods-%s", j.ID)
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", apperrors.Internal("runner.createContainer", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", apperrors.Internal("runner.startContainer", err)
	}

	slog.Debug("Container started", "jobId", j.ID, "containerId", resp.ID, "image", j.Image)
	return resp.ID, nil
}

// jobEnv builds the container environment. Agent jobs receive their task
// through environment variables consumed by the image entrypoint.
func jobEnv(j *job.Job) []string {
	env := []string{
		fmt.Sprintf("FLASHPODS_JOB_ID=%s", j.ID),
	}
	if j.Type != job.TypeAgent {
		return env
	}
	env = append(env, fmt.Sprintf("FLASHPODS_TASK=%s", j.Task))
	if j.Context != "" {
		env = append(env, fmt.Sprintf("FLASHPODS_CONTEXT=%s", j.Context))
	}
	if j.GitBranch != "" {
		env = append(env, fmt.Sprintf("FLASHPODS_GIT_BRANCH=%s", j.GitBranch))
	}
	return env
}

// Status inspects a single container. A missing container is a valid
// observation, not an error.
func (d *DockerDriver) Status(ctx context.Context, containerID string) (UnitStatus, error) {
	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return UnitStatus{State: UnitNotFound}, nil
	}
	if err != nil {
		return UnitStatus{}, apperrors.Unavailable("runner.status", err)
	}

	st := inspect.State
	switch {
	case st == nil:
		return UnitStatus{State: UnitNotFound}, nil
	case st.Running:
		return UnitStatus{State: UnitRunning}, nil
	case st.Status == "created":
		return UnitStatus{State: UnitCreated}, nil
	}

	status := UnitStatus{State: UnitExited, ExitCode: st.ExitCode}
	if finished, err := time.Parse(time.RFC3339Nano, st.FinishedAt); err == nil {
		status.FinishedAt = finished
	}
	return status, nil
}

// Terminate stops a container gracefully: SIGTERM, then SIGKILL once grace
// elapses. Docker implements the escalation itself via the stop timeout.
func (d *DockerDriver) Terminate(ctx context.Context, containerID string, grace time.Duration) error {
	graceSeconds := int(grace / time.Second)
	err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return apperrors.Internal("runner.terminate", err)
	}
	return nil
}

// Remove force-removes a container and is a no-op when it is already gone.
func (d *DockerDriver) Remove(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return apperrors.Internal("runner.remove", err)
	}
	return nil
}

// List returns every unit carrying this service's ownership label, running or
// not. The reconciler diffs this set against the job store.
func (d *DockerDriver) List(ctx context.Context) ([]Unit, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"="+labelOwner),
		),
	})
	if err != nil {
		return nil, apperrors.Unavailable("runner.list", err)
	}

	units := make([]Unit, 0, len(containers))
	for _, c := range containers {
		units = append(units, Unit{
			ContainerID: c.ID,
			JobID:       c.Labels[labelJobID],
			JobType:     c.Labels[labelJobType],
			Running:     c.State == "running",
		})
	}
	return units, nil
}

// Ready reports whether the daemon answers.
func (d *DockerDriver) Ready(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return apperrors.Unavailable("runner.ready", err)
	}
	return nil
}

// Close releases the client connection.
func (d *DockerDriver) Close() error {
	return d.client.Close()
}

func (d *DockerDriver) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := d.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

var _ Driver = (*DockerDriver)(nil)
