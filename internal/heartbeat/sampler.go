package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type IOStats struct {
	ReadIOPS  float64 `json:"r/s"`
	WriteIOPS float64 `json:"w/s"`
	IOPS      float64 `json:"iops"`
}

type MemStats struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"percent"`
}

type CPUStats struct {
	Util float64 `json:"cpu_util"`
}

// OSStats is one host sample.
type OSStats struct {
	IO  IOStats
	Mem MemStats
	CPU CPUStats
}

// OSSampler reads host level metrics.
type OSSampler interface {
	Sample(ctx context.Context) (OSStats, error)
}

// HostSampler reads CPU, memory and disk activity with gopsutil. Disk IOPS
// are rates between consecutive samples, so the first sample reports zero.
type HostSampler struct {
	// Devices limits IO accounting to these device names. Empty means all.
	Devices []string

	mu     sync.Mutex
	reads  uint64
	writes uint64
	at     time.Time
}

func (s *HostSampler) Sample(ctx context.Context) (OSStats, error) {
	var out OSStats

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, err
	}
	out.Mem = MemStats{Total: vm.Total, Available: vm.Available, Used: vm.Used, UsedPercent: vm.UsedPercent}

	// interval 0 compares against the previous call
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPU.Util = pct[0]
	}

	counters, err := disk.IOCountersWithContext(ctx, s.Devices...)
	if err != nil {
		return out, nil
	}
	var reads, writes uint64
	for _, c := range counters {
		reads += c.ReadCount
		writes += c.WriteCount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.at.IsZero() {
		if elapsed := now.Sub(s.at).Seconds(); elapsed > 0 {
			out.IO.ReadIOPS = rate(s.reads, reads, elapsed)
			out.IO.WriteIOPS = rate(s.writes, writes, elapsed)
			out.IO.IOPS = out.IO.ReadIOPS + out.IO.WriteIOPS
		}
	}
	s.reads, s.writes, s.at = reads, writes, now
	return out, nil
}

func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}
