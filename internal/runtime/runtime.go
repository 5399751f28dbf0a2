// Package runtime wraps the container runtime API consumed by the pool,
// session manager, and resource monitor.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/akarpov/sandpool/internal/domain"
)

// ContainerSpec is the typed configuration for a new sandbox container.
// Zero-valued fields fall back to the defaults in DefaultSpec.
type ContainerSpec struct {
	Name        string
	Type        string
	Image       string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Labels      map[string]string
	Env         map[string]string
}

// ContainerState is the runtime-reported state of a container.
type ContainerState struct {
	Running bool
	Health  string // "", "starting", "healthy", "unhealthy"
}

// Healthy reports whether the container is fit to serve a session.
func (s ContainerState) Healthy() bool {
	return s.Running && s.Health != "unhealthy"
}

// ContainerStats is a derived snapshot of one container's resource usage.
type ContainerStats struct {
	ContainerID   string
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsage   uint64
	MemoryLimit   uint64
}

// SystemStats is a snapshot of host-level runtime state.
type SystemStats struct {
	ContainersRunning int
	MemoryTotal       int64
	NCPU              int
	DiskUsageBytes    int64
}

// Runtime is the container runtime surface the core depends on. It is
// implemented by DockerRuntime and by fakes in tests.
type Runtime interface {
	// CreateContainer creates and starts a container from spec, waits until
	// the runtime reports it running (bounded by readyTimeout), and returns
	// it with the published SSH endpoint resolved.
	CreateContainer(ctx context.Context, spec ContainerSpec, readyTimeout time.Duration) (*domain.Container, error)

	// StopContainer stops and removes a container. Idempotent; falls back to
	// a forced remove when a graceful stop fails.
	StopContainer(ctx context.Context, containerID string) error

	// Inspect returns the runtime-reported state of a container.
	Inspect(ctx context.Context, containerID string) (ContainerState, error)

	// ListManaged returns the IDs of all containers this service created.
	ListManaged(ctx context.Context) ([]string, error)

	// Stats returns a derived resource-usage snapshot for one container.
	Stats(ctx context.Context, containerID string) (*ContainerStats, error)

	// SystemStats returns host-level runtime state.
	SystemStats(ctx context.Context) (*SystemStats, error)

	// Exec runs a command inside a running container and waits for it,
	// returning an error on non-zero exit.
	Exec(ctx context.Context, containerID string, cmd []string) error

	// BuildImage builds an image from a tar build context and tags it.
	BuildImage(ctx context.Context, buildContext io.Reader, tag string) error

	// EnsureNetwork creates the sandbox bridge network if missing.
	EnsureNetwork(ctx context.Context) (string, error)

	// Ping verifies runtime connectivity.
	Ping(ctx context.Context) error
}
