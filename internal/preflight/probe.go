package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Resources is a point-in-time view of what the host can spare
type Resources struct {
	MemoryAvailable int64
	MemoryTotal     int64
	CPUPercent      float64
	DiskFree        int64
}

// ResourceProbe reports live host resources
type ResourceProbe interface {
	Available(ctx context.Context) (Resources, error)
}

// HostProbe reads resources of the local host
type HostProbe struct {
	// DiskPath is the volume checked for free space, usually the result directory
	DiskPath string
	// CPUWindow is how long CPU usage is measured for
	CPUWindow time.Duration
}

// NewHostProbe creates a probe for the volume holding diskPath
func NewHostProbe(diskPath string) *HostProbe {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostProbe{DiskPath: diskPath, CPUWindow: 200 * time.Millisecond}
}

func (p *HostProbe) Available(ctx context.Context) (Resources, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Resources{}, fmt.Errorf("failed to read memory: %w", err)
	}

	res := Resources{
		MemoryAvailable: int64(vm.Available),
		MemoryTotal:     int64(vm.Total),
	}

	percents, err := cpu.PercentWithContext(ctx, p.CPUWindow, false)
	if err != nil {
		return Resources{}, fmt.Errorf("failed to read cpu: %w", err)
	}
	if len(percents) > 0 {
		res.CPUPercent = percents[0]
	}

	usage, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return Resources{}, fmt.Errorf("failed to read disk usage of %s: %w", p.DiskPath, err)
	}
	res.DiskFree = int64(usage.Free)

	return res, nil
}
