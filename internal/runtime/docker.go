package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/akarpov/sandpool/internal/domain"
)

const (
	managedLabel = "managed-by"
	managedValue = "sandpool"
	typeLabel    = "sandpool-type"

	sshContainerPort = "22/tcp"
	stopTimeoutSecs  = 10

	sandboxNetwork = "sandpool"

	readyPollInterval = 250 * time.Millisecond
)

// DefaultSpec holds the fallback resource limits applied to containers whose
// spec leaves them unset.
var DefaultSpec = ContainerSpec{
	MemoryBytes: 512 * 1024 * 1024,
	NanoCPUs:    500_000_000, // 0.5 CPU
	PidsLimit:   256,
}

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	cli      *client.Client
	hostAddr string // address clients use to reach published ports
}

// NewDockerRuntime creates a Docker-backed runtime. hostAddr is the address
// advertised for SSH endpoints of published container ports; an empty value
// defaults to 127.0.0.1.
func NewDockerRuntime(hostAddr string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if hostAddr == "" {
		hostAddr = "127.0.0.1"
	}
	slog.Info("Docker client initialized", "host_addr", hostAddr)
	return &DockerRuntime{cli: cli, hostAddr: hostAddr}, nil
}

// Ping verifies runtime connectivity.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	slog.Info("Image not found locally, pulling", "image", img)
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("drain image pull %s: %w", img, err)
	}
	return nil
}

// CreateContainer creates and starts a container from spec and waits for the
// runtime to report it running before resolving its published SSH endpoint.
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec, readyTimeout time.Duration) (*domain.Container, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("create container: image is empty")
	}
	if spec.MemoryBytes <= 0 {
		spec.MemoryBytes = DefaultSpec.MemoryBytes
	}
	if spec.NanoCPUs <= 0 {
		spec.NanoCPUs = DefaultSpec.NanoCPUs
	}
	if spec.PidsLimit <= 0 {
		spec.PidsLimit = DefaultSpec.PidsLimit
	}

	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	labels := map[string]string{
		managedLabel: managedValue,
		typeLabel:    spec.Type,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			sshContainerPort: struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(sandboxNetwork),
		PortBindings: nat.PortMap{
			// Empty HostPort asks the daemon for an ephemeral port.
			sshContainerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			NanoCPUs:  spec.NanoCPUs,
			PidsLimit: &spec.PidsLimit,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	if err := r.waitRunning(ctx, resp.ID, readyTimeout); err != nil {
		if removeErr := r.StopContainer(ctx, resp.ID); removeErr != nil {
			slog.Warn("Failed to remove container after readiness failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, err
	}

	sshPort, err := r.publishedSSHPort(ctx, resp.ID)
	if err != nil {
		if removeErr := r.StopContainer(ctx, resp.ID); removeErr != nil {
			slog.Warn("Failed to remove container after port resolution failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, err
	}

	slog.Info("Container created and started",
		"container_id", resp.ID, "type", spec.Type, "ssh_port", sshPort)

	return &domain.Container{
		ID:        resp.ID,
		Name:      spec.Name,
		Type:      spec.Type,
		Host:      r.hostAddr,
		SSHPort:   sshPort,
		Status:    domain.ContainerReady,
		CreatedAt: time.Now(),
	}, nil
}

// waitRunning polls the container state until it is running or the timeout
// elapses. A timeout is a definitive failure, never an indefinite wait.
func (r *DockerRuntime) waitRunning(ctx context.Context, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		state, err := r.Inspect(ctx, containerID)
		if err == nil && state.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s not running after %s", containerID, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for container %s: %w", containerID, ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

func (r *DockerRuntime) publishedSSHPort(ctx context.Context, containerID string) (int, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(sshContainerPort)]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("container %s has no published SSH port", containerID)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse published port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}

// StopContainer stops and removes a container. It is idempotent and falls
// back to a forced remove when a graceful stop fails.
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	_, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// Inspect returns the runtime-reported state of a container. A missing
// container is reported as not running rather than an error.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (ContainerState, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerState{}, nil
		}
		return ContainerState{}, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	state := ContainerState{Running: inspect.State.Running}
	if inspect.State.Health != nil {
		state.Health = inspect.State.Health.Status
	}
	return state, nil
}

// ListManaged returns the IDs of all containers this service created.
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"="+managedValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Stats derives a resource-usage snapshot from the raw runtime counters.
// CPU is the usage delta over the system delta window scaled to online CPUs;
// memory is the usage/limit ratio.
func (r *DockerRuntime) Stats(ctx context.Context, containerID string) (*ContainerStats, error) {
	resp, err := r.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("stats for container %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats for container %s: %w", containerID, err)
	}

	stats := &ContainerStats{
		ContainerID: containerID,
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	online := float64(raw.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta > 0 && cpuDelta > 0 {
		stats.CPUPercent = cpuDelta / systemDelta * online * 100.0
	}
	if raw.MemoryStats.Limit > 0 {
		stats.MemoryPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100.0
	}
	return stats, nil
}

// SystemStats returns host-level runtime state.
func (r *DockerRuntime) SystemStats(ctx context.Context) (*SystemStats, error) {
	info, err := r.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker info: %w", err)
	}

	stats := &SystemStats{
		ContainersRunning: info.ContainersRunning,
		MemoryTotal:       info.MemTotal,
		NCPU:              info.NCPU,
	}

	du, err := r.cli.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		// Disk usage is advisory; the rest of the snapshot is still useful.
		slog.Warn("Failed to read docker disk usage", "error", err)
		return stats, nil
	}
	stats.DiskUsageBytes = du.LayersSize
	for _, v := range du.Volumes {
		if v != nil && v.UsageData != nil && v.UsageData.Size > 0 {
			stats.DiskUsageBytes += v.UsageData.Size
		}
	}
	return stats, nil
}

// Exec runs a command inside a running container and waits for completion,
// returning an error on non-zero exit.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, cmd []string) error {
	resp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:  cmd,
		User: "root",
	})
	if err != nil {
		return fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	if _, err := io.Copy(io.Discard, attach.Reader); err != nil {
		return fmt.Errorf("drain exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("exec %v in container %s exited with code %d", cmd, containerID, inspect.ExitCode)
	}
	return nil
}

// BuildImage builds an image from a tar build context and tags it.
func (r *DockerRuntime) BuildImage(ctx context.Context, buildContext io.Reader, tag string) error {
	resp, err := r.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// The build only completes once the response stream is drained.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain build output for %s: %w", tag, err)
	}
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	inspect, err := r.cli.NetworkInspect(ctx, sandboxNetwork, network.InspectOptions{})
	if err == nil {
		return inspect.ID, nil
	}

	createResp, err := r.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{managedLabel: managedValue},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}
	slog.Info("Sandbox network created", "network_id", createResp.ID)
	return createResp.ID, nil
}
