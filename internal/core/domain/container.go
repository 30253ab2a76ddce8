package domain

import "time"

// Container represents a container managed by the runtime (Docker, K8s, etc.)
type Container struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	Status string            `json:"status"`
	State  string            `json:"state"` // running, exited, etc.
	Labels map[string]string `json:"labels,omitempty"`
}

// ContainerSpec describes the container a workspace runs.
type ContainerSpec struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	Env           []string
	Labels        map[string]string
	// Volumes maps host paths to container paths.
	Volumes map[string]string
	Network string
	// LogTag is the structured tag the container's output is routed under.
	LogTag string
}

// ProbeResult is the outcome of a single health probe.
type ProbeResult struct {
	Healthy bool
	Reason  string
}

// ContainerStats is one resource usage sample of a container.
type ContainerStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	MemoryLimit   uint64    `json:"memory_limit_bytes"`
	MemoryPercent float64   `json:"memory_percent"`
	NetworkRx     uint64    `json:"network_rx_bytes"`
	NetworkTx     uint64    `json:"network_tx_bytes"`
	BlockRead     uint64    `json:"block_read_bytes"`
	BlockWrite    uint64    `json:"block_write_bytes"`
	PIDs          uint64    `json:"pids"`
	SampledAt     time.Time `json:"sampled_at"`
}
