package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

var _ ports.StatsSource = (*Adapter)(nil)

// ContainerStats takes a single usage sample of the container.
func (a *Adapter) ContainerStats(ctx context.Context, id string) (domain.ContainerStats, error) {
	resp, err := a.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return domain.ContainerStats{}, fmt.Errorf("failed to read stats of %s: %w", shortID(id), err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.ContainerStats{}, fmt.Errorf("failed to decode stats of %s: %w", shortID(id), err)
	}
	return summarizeStats(&raw), nil
}

// summarizeStats reduces a daemon sample to the numbers `docker stats` shows.
func summarizeStats(raw *types.StatsJSON) domain.ContainerStats {
	s := domain.ContainerStats{
		CPUPercent:  cpuPercent(raw),
		MemoryBytes: memoryUsage(raw.MemoryStats),
		MemoryLimit: raw.MemoryStats.Limit,
		PIDs:        raw.PidsStats.Current,
		SampledAt:   raw.Read,
	}
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now()
	}
	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(s.MemoryBytes) / float64(s.MemoryLimit) * 100
	}
	for _, n := range raw.Networks {
		s.NetworkRx += n.RxBytes
		s.NetworkTx += n.TxBytes
	}
	for _, e := range raw.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read":
			s.BlockRead += e.Value
		case "write":
			s.BlockWrite += e.Value
		}
	}
	return s
}

func cpuPercent(raw *types.StatsJSON) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}

// memoryUsage excludes the page cache the kernel can reclaim. cgroup v1
// reports it as total_inactive_file, v2 as inactive_file.
func memoryUsage(m types.MemoryStats) uint64 {
	cache, ok := m.Stats["total_inactive_file"]
	if !ok {
		cache = m.Stats["inactive_file"]
	}
	if cache > m.Usage {
		return 0
	}
	return m.Usage - cache
}
