package ports

import (
	"context"
	"io"

	"github.com/melih/lighthouse/internal/core/domain"
)

// ContainerRuntime defines the container operations the deployment machine relies on.
// This interface allows us to switch between Docker, Podman, or Kubernetes
// without changing the business logic.
type ContainerRuntime interface {
	ListContainers(ctx context.Context) ([]domain.Container, error)
	// EnsureImage makes the image available locally, pulling it when missing.
	EnsureImage(ctx context.Context, image string) error
	// StartContainer creates and starts a container, replacing any container with the same name.
	StartContainer(ctx context.Context, spec domain.ContainerSpec) (string, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	// Probe runs one health check against the container and its host port.
	Probe(ctx context.Context, id string, port int) (domain.ProbeResult, error)
}

// LogSource streams a container's combined output.
type LogSource interface {
	// FollowLogs returns plain (demultiplexed) container output. Closing the reader stops following.
	FollowLogs(ctx context.Context, id string) (io.ReadCloser, error)
	// GetContainerLogs returns the recent log tail without following.
	GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
}

// StatsSource samples a container's resource usage.
type StatsSource interface {
	ContainerStats(ctx context.Context, id string) (domain.ContainerStats, error)
}
