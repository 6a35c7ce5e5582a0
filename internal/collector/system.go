// Package collector reads host and container state for the alarm detector.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/nasmon/nasmon/internal/alarm"
)

// DefaultCPUInterval is the window over which CPU utilisation is measured.
const DefaultCPUInterval = 500 * time.Millisecond

// HostSampler implements alarm.SystemSampler with gopsutil.
type HostSampler struct {
	cpuInterval time.Duration
}

// NewHostSampler returns a HostSampler measuring CPU over cpuInterval.
// cpuInterval <= 0 selects DefaultCPUInterval.
func NewHostSampler(cpuInterval time.Duration) *HostSampler {
	if cpuInterval <= 0 {
		cpuInterval = DefaultCPUInterval
	}
	return &HostSampler{cpuInterval: cpuInterval}
}

var _ alarm.SystemSampler = (*HostSampler)(nil)

// CPUPercent returns total CPU utilisation across all cores.
func (h *HostSampler) CPUPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, h.cpuInterval, false)
	if err != nil {
		return 0, fmt.Errorf("collector: cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return 0, errors.New("collector: cpu percent: no samples")
	}
	return pct[0], nil
}

// MemoryPercent returns used physical memory as a percentage of total.
func (h *HostSampler) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("collector: virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}

// Disks returns the fill level of every physical partition. Partitions
// whose usage cannot be read (unmounted media, permission denied) are
// skipped.
func (h *HostSampler) Disks(ctx context.Context) ([]alarm.DiskUsage, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("collector: partitions: %w", err)
	}

	seen := make(map[string]bool, len(parts))
	out := make([]alarm.DiskUsage, 0, len(parts))
	for _, p := range parts {
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true

		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		out = append(out, alarm.DiskUsage{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Percent:    u.UsedPercent,
		})
	}
	return out, nil
}
