package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/danpasecinic/inpaintd/internal/types"
)

const gib = int64(1 << 30)

type fakeProbe struct {
	mu    sync.Mutex
	snaps []types.ResourceSnapshot
	calls int
}

func (f *fakeProbe) Sample(ctx context.Context) (types.ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	if idx >= len(f.snaps) {
		idx = len(f.snaps) - 1
	}
	f.calls++
	snap := f.snaps[idx]
	snap.Timestamp = time.Now()
	return snap, nil
}

func (f *fakeProbe) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGPU struct {
	used int64
}

func (f *fakeGPU) GPUMemoryUsed(ctx context.Context) (int64, error) {
	return f.used, nil
}

func waitForSamples(t *testing.T, p *fakeProbe, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d samples, got %d", n, p.count())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func snapshot(usedGiB int64, percent, cpu float64) types.ResourceSnapshot {
	return types.ResourceSnapshot{
		MemoryUsed:    usedGiB * gib,
		MemoryTotal:   16 * gib,
		MemoryPercent: percent,
		CPUPercent:    cpu,
	}
}

func TestSessionAggregates(t *testing.T) {
	probe := &fakeProbe{
		snaps: []types.ResourceSnapshot{
			snapshot(2, 12.5, 20),
			snapshot(4, 25, 40),
			snapshot(3, 18.75, 30),
		},
	}
	s := New(probe, zaptest.NewLogger(t), WithInterval(5*time.Millisecond))

	sess := s.Start(context.Background(), "task-1")
	waitForSamples(t, probe, 3)
	metrics := sess.Stop()

	if metrics.TaskID != "task-1" {
		t.Errorf("Expected task-1, got %s", metrics.TaskID)
	}
	if metrics.Samples < 3 {
		t.Errorf("Expected at least 3 samples, got %d", metrics.Samples)
	}
	if metrics.PeakMemory != 4*gib {
		t.Errorf("Expected peak 4GiB, got %d", metrics.PeakMemory)
	}
	if metrics.MemoryGrowth != gib {
		t.Errorf("Expected growth 1GiB, got %d", metrics.MemoryGrowth)
	}
	if metrics.EfficiencyScore != 75 {
		t.Errorf("Expected efficiency 75, got %.2f", metrics.EfficiencyScore)
	}
	if metrics.AvgCPU < 20 || metrics.AvgCPU > 40 {
		t.Errorf("Expected average cpu within samples, got %.2f", metrics.AvgCPU)
	}
	if len(metrics.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", metrics.Warnings)
	}
	if latest, ok := sess.Latest(); !ok || latest.MemoryUsed != 3*gib {
		t.Errorf("Expected latest snapshot at 3GiB, got %+v", latest)
	}
}

func TestSessionWarningsAreDeduplicated(t *testing.T) {
	probe := &fakeProbe{
		snaps: []types.ResourceSnapshot{
			snapshot(1, 50, 10),
			snapshot(15, 95, 99),
			snapshot(15, 96, 98),
		},
	}
	s := New(probe, zaptest.NewLogger(t), WithInterval(5*time.Millisecond), WithGPUProbe(&fakeGPU{used: 10 * gib}))

	sess := s.Start(context.Background(), "task-1")
	waitForSamples(t, probe, 4)
	metrics := sess.Stop()

	// memory, growth, cpu and gpu each fire once
	if len(metrics.Warnings) != 4 {
		t.Errorf("Expected 4 warnings, got %d: %v", len(metrics.Warnings), metrics.Warnings)
	}
	if metrics.PeakGPUMemory != 10*gib {
		t.Errorf("Expected gpu peak 10GiB, got %d", metrics.PeakGPUMemory)
	}
	if len(sess.Warnings()) != len(metrics.Warnings) {
		t.Error("Expected Warnings to match the final metrics")
	}
}

func TestSessionPhases(t *testing.T) {
	probe := &fakeProbe{snaps: []types.ResourceSnapshot{snapshot(2, 12.5, 10)}}
	s := New(probe, zaptest.NewLogger(t), WithInterval(5*time.Millisecond))
	sess := s.Start(context.Background(), "task-1")

	sess.MarkPhase("preparing")
	time.Sleep(5 * time.Millisecond)
	timing, ok := sess.EndPhase("preparing")
	if !ok {
		t.Fatal("Expected phase to end")
	}
	if timing.Duration <= 0 {
		t.Errorf("Expected positive duration, got %s", timing.Duration)
	}

	if _, ok := sess.EndPhase("unknown"); ok {
		t.Error("Expected ending an unmarked phase to fail")
	}

	sess.MarkPhase("inpainting")
	metrics := sess.Stop()

	if len(metrics.Phases) != 2 {
		t.Fatalf("Expected 2 phases, got %d", len(metrics.Phases))
	}
	if metrics.Phases[0].Name != "preparing" || metrics.Phases[1].Name != "inpainting" {
		t.Errorf("Unexpected phase order: %+v", metrics.Phases)
	}
}

type blockingProbe struct{}

func (blockingProbe) Sample(ctx context.Context) (types.ResourceSnapshot, error) {
	<-ctx.Done()
	return types.ResourceSnapshot{}, ctx.Err()
}

func TestStopIsPromptAndIdempotent(t *testing.T) {
	s := New(blockingProbe{}, zaptest.NewLogger(t), WithInterval(time.Hour))
	sess := s.Start(context.Background(), "task-1")

	done := make(chan struct{})
	go func() {
		sess.Stop()
		sess.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}
}

func TestSessionStopsWithParentContext(t *testing.T) {
	probe := &fakeProbe{snaps: []types.ResourceSnapshot{snapshot(1, 10, 10)}}
	s := New(probe, zaptest.NewLogger(t), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	sess := s.Start(ctx, "task-1")
	waitForSamples(t, probe, 1)
	cancel()

	select {
	case <-sess.done:
	case <-time.After(time.Second):
		t.Fatal("Expected the worker to exit with its parent context")
	}
	sess.Stop()
}

type failingProbe struct{}

func (failingProbe) Sample(ctx context.Context) (types.ResourceSnapshot, error) {
	return types.ResourceSnapshot{}, errors.New("probe unavailable")
}

func TestFailingProbeYieldsEmptyMetrics(t *testing.T) {
	s := New(failingProbe{}, zaptest.NewLogger(t), WithInterval(5*time.Millisecond))
	sess := s.Start(context.Background(), "task-1")
	time.Sleep(15 * time.Millisecond)
	metrics := sess.Stop()

	if metrics.Samples != 0 || metrics.EfficiencyScore != 0 {
		t.Errorf("Expected empty metrics, got %+v", metrics)
	}
	if _, ok := sess.Latest(); ok {
		t.Error("Expected no latest snapshot")
	}
}

func TestParseSMI(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    int64
		wantErr bool
	}{
		{"single device", "1024\n", 1024 << 20, false},
		{"two devices", "512\n 256 \n", 768 << 20, false},
		{"garbage", "N/A\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, err := parseSMI(tt.output)
				if (err != nil) != tt.wantErr {
					t.Fatalf("parseSMI() error = %v, wantErr %v", err, tt.wantErr)
				}
				if got != tt.want {
					t.Errorf("Expected %d, got %d", tt.want, got)
				}
			},
		)
	}
}
