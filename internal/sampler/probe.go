package sampler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/danpasecinic/inpaintd/internal/types"
)

// Probe takes one resource snapshot
type Probe interface {
	Sample(ctx context.Context) (types.ResourceSnapshot, error)
}

// GPUProbe reports GPU memory in use, in bytes
type GPUProbe interface {
	GPUMemoryUsed(ctx context.Context) (int64, error)
}

// HostProbe samples the local host with gopsutil
type HostProbe struct {
	DiskIO bool
}

func (p *HostProbe) Sample(ctx context.Context) (types.ResourceSnapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("failed to read memory: %w", err)
	}

	snap := types.ResourceSnapshot{
		Timestamp:     time.Now(),
		MemoryUsed:    int64(vm.Used),
		MemoryTotal:   int64(vm.Total),
		MemoryPercent: vm.UsedPercent,
	}

	// interval 0 compares against the previous call
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("failed to read cpu: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if p.DiskIO {
		counters, err := disk.IOCountersWithContext(ctx)
		if err == nil {
			var read, write uint64
			for _, c := range counters {
				read += c.ReadBytes
				write += c.WriteBytes
			}
			snap.DiskReadBytes = &read
			snap.DiskWriteBytes = &write
		}
	}

	return snap, nil
}

// StatsReader is implemented by the backend supervisor
type StatsReader interface {
	ContainerStats(ctx context.Context) (types.ResourceSnapshot, error)
}

// ContainerProbe samples the backend container instead of the host
type ContainerProbe struct {
	Stats StatsReader
}

func (p *ContainerProbe) Sample(ctx context.Context) (types.ResourceSnapshot, error) {
	return p.Stats.ContainerStats(ctx)
}

// NvidiaSMI reads GPU memory through the nvidia-smi binary
type NvidiaSMI struct {
	Path string
}

func (n *NvidiaSMI) GPUMemoryUsed(ctx context.Context) (int64, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}

	cmd := exec.CommandContext(ctx, path, "--query-gpu=memory.used", "--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return parseSMI(out.String())
}

// parseSMI sums the per-device MiB values printed by nvidia-smi
func parseSMI(output string) (int64, error) {
	var total int64
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mib, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected nvidia-smi output %q: %w", line, err)
		}
		total += mib << 20
	}
	return total, nil
}
