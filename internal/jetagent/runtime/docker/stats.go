package docker

import (
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
)

func snapshot(s *container.StatsResponse) runtime.StatsSnapshot {
	snap := runtime.StatsSnapshot{
		ContainerID: s.ID,
		Name:        strings.TrimPrefix(s.Name, "/"),
		Read:        s.Read,
		CPUPercent:  cpuPercent(s.PreCPUStats, s.CPUStats),
		MemoryUsage: memoryUsage(s.MemoryStats),
		MemoryLimit: s.MemoryStats.Limit,
		PIDs:        s.PidsStats.Current,
	}
	if snap.MemoryLimit > 0 {
		snap.MemoryPercent = float64(snap.MemoryUsage) / float64(snap.MemoryLimit) * 100
	}
	for _, n := range s.Networks {
		snap.NetworkRx += n.RxBytes
		snap.NetworkTx += n.TxBytes
	}
	for _, e := range s.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read":
			snap.BlockRead += e.Value
		case "write":
			snap.BlockWrite += e.Value
		}
	}
	return snap
}

// cpuPercent follows the docker CLI formula. A one-shot reading may carry
// no previous sample, in which case the result is 0.
func cpuPercent(prev, cur container.CPUStats) float64 {
	if cur.CPUUsage.TotalUsage < prev.CPUUsage.TotalUsage || cur.SystemUsage <= prev.SystemUsage {
		return 0
	}
	cpuDelta := float64(cur.CPUUsage.TotalUsage - prev.CPUUsage.TotalUsage)
	sysDelta := float64(cur.SystemUsage - prev.SystemUsage)
	if prev.SystemUsage == 0 || cpuDelta <= 0 {
		return 0
	}
	online := float64(cur.OnlineCPUs)
	if online == 0 {
		online = float64(len(cur.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / sysDelta * online * 100
}

// memoryUsage subtracts page cache the way the docker CLI does for
// cgroup v1 (total_inactive_file) and v2 (inactive_file).
func memoryUsage(m container.MemoryStats) uint64 {
	cache, ok := m.Stats["total_inactive_file"]
	if !ok {
		cache = m.Stats["inactive_file"]
	}
	if cache < m.Usage {
		return m.Usage - cache
	}
	return m.Usage
}
