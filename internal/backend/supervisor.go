package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// dockerAPI is the subset of the Docker SDK the supervisor needs
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// ContainerState is the part of the backend container's state that matters
// for diagnosis
type ContainerState struct {
	Status       string
	Running      bool
	OOMKilled    bool
	ExitCode     int
	RestartCount int
}

// Supervisor watches and restarts the backend container
type Supervisor struct {
	cli       dockerAPI
	container string
	logger    *zap.Logger
}

// NewSupervisor connects to the local Docker daemon
func NewSupervisor(containerName string, log *zap.Logger) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newSupervisor(cli, containerName, log), nil
}

func newSupervisor(cli dockerAPI, containerName string, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cli:       cli,
		container: containerName,
		logger:    logger.OrNop(log).With(zap.String("component", "supervisor"), zap.String("container", containerName)),
	}
}

// Close closes the Docker client connection
func (s *Supervisor) Close() error {
	if s.cli != nil {
		return s.cli.Close()
	}
	return nil
}

// Container returns the supervised container name
func (s *Supervisor) Container() string {
	return s.container
}

// State inspects the backend container
func (s *Supervisor) State(ctx context.Context) (ContainerState, error) {
	inspect, err := s.cli.ContainerInspect(ctx, s.container)
	if err != nil {
		return ContainerState{}, fmt.Errorf("failed to inspect container %s: %w", s.container, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return ContainerState{}, fmt.Errorf("container %s has no state", s.container)
	}

	return ContainerState{
		Status:       string(inspect.State.Status),
		Running:      inspect.State.Running,
		OOMKilled:    inspect.State.OOMKilled,
		ExitCode:     inspect.State.ExitCode,
		RestartCount: inspect.RestartCount,
	}, nil
}

// OOMKilled reports whether the kernel killed the container for memory. Any
// inspection error reads as false.
func (s *Supervisor) OOMKilled(ctx context.Context) bool {
	state, err := s.State(ctx)
	if err != nil {
		s.logger.Debug("inspect failed", zap.Error(err))
		return false
	}
	return state.OOMKilled
}

// Restart restarts the backend container and waits until it runs again
func (s *Supervisor) Restart(ctx context.Context) error {
	timeout := 10 // seconds
	if err := s.cli.ContainerRestart(ctx, s.container, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", s.container, err)
	}
	s.logger.Info("backend container restarted")
	return s.WaitRunning(ctx, time.Second)
}

// WaitRunning polls the container until it is running or ctx is done
func (s *Supervisor) WaitRunning(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := s.State(ctx)
		if err == nil && state.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("container %s not running: %w", s.container, err)
			}
			return fmt.Errorf("container %s not running (%s): %w", s.container, state.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Logs returns the last lines of the container output
func (s *Supervisor) Logs(ctx context.Context, tail int) (string, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	}

	reader, err := s.cli.ContainerLogs(ctx, s.container, options)
	if err != nil {
		return "", fmt.Errorf("failed to get logs for container %s: %w", s.container, err)
	}
	defer func() { _ = reader.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return buf.String(), nil
}

// ContainerStats takes one resource snapshot of the backend container
func (s *Supervisor) ContainerStats(ctx context.Context) (types.ResourceSnapshot, error) {
	resp, err := s.cli.ContainerStats(ctx, s.container, false)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("failed to get stats for container %s: %w", s.container, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("failed to decode stats: %w", err)
	}
	return snapshotFromStats(stats, time.Now()), nil
}

func snapshotFromStats(stats container.StatsResponse, now time.Time) types.ResourceSnapshot {
	used := stats.MemoryStats.Usage
	// page cache is reclaimable and not counted as usage
	if cache, ok := stats.MemoryStats.Stats["inactive_file"]; ok && cache < used {
		used -= cache
	} else if cache, ok := stats.MemoryStats.Stats["cache"]; ok && cache < used {
		used -= cache
	}

	snap := types.ResourceSnapshot{
		Timestamp:   now,
		MemoryUsed:  int64(used),
		MemoryTotal: int64(stats.MemoryStats.Limit),
	}
	if stats.MemoryStats.Limit > 0 {
		snap.MemoryPercent = float64(used) / float64(stats.MemoryStats.Limit) * 100
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && systemDelta > 0 && cpus > 0 {
		snap.CPUPercent = cpuDelta / systemDelta * cpus * 100
	}
	return snap
}
