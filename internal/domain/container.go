// Package domain holds the core types shared across the sandpool service.
package domain

import "time"

// ContainerStatus represents the lifecycle state of a sandbox container.
type ContainerStatus string

const (
	ContainerProvisioning ContainerStatus = "provisioning"
	ContainerReady        ContainerStatus = "ready"
	ContainerLeased       ContainerStatus = "leased"
	ContainerPooled       ContainerStatus = "pooled"
	ContainerUnhealthy    ContainerStatus = "unhealthy"
	ContainerTerminated   ContainerStatus = "terminated"
)

// Container describes a runtime-managed sandbox container. While pooled it is
// owned by the pool; once leased, ownership moves to the session holding it.
type Container struct {
	ID        string
	Name      string
	Type      string
	Host      string
	SSHPort   int
	Status    ContainerStatus
	CreatedAt time.Time
}

// PoolStats is a point-in-time snapshot of pool occupancy, read by the
// resource monitor and the container listing endpoint.
type PoolStats struct {
	Pooled     map[string]int
	Leased     int
	Acquired   int64
	PoolHits   int64
	ColdStarts int64
	Evictions  int64
}
