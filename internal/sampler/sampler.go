package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

const (
	DefaultInterval = time.Second

	memoryPercentLimit = 90.0
	memoryGrowthLimit  = 2 << 30
	cpuPercentLimit    = 95.0
	gpuMemoryLimit     = 8 << 30
)

// Sampler starts sampling sessions, one per job
type Sampler struct {
	probe    Probe
	gpu      GPUProbe
	interval time.Duration
	logger   *zap.Logger
}

// Option configures a Sampler
type Option func(*Sampler)

// WithInterval sets the sampling period
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithGPUProbe enables GPU memory sampling
func WithGPUProbe(p GPUProbe) Option {
	return func(s *Sampler) {
		s.gpu = p
	}
}

// New creates a sampler reading from probe
func New(probe Probe, log *zap.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		probe:    probe,
		interval: DefaultInterval,
		logger:   logger.OrNop(log).With(zap.String("component", "sampler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins sampling for a task on a background worker. The worker stops
// when Stop is called or ctx is done.
func (s *Sampler) Start(ctx context.Context, taskID string) *Session {
	ctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		taskID:  taskID,
		sampler: s,
		logger:  s.logger.With(zap.String("task_id", taskID)),
		started: time.Now(),
		phases:  make(map[string]phaseMark),
		seen:    make(map[string]bool),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sess.run(ctx)
	return sess
}

type phaseMark struct {
	start  time.Time
	memory int64
}

// Session aggregates the snapshots of one job
type Session struct {
	taskID  string
	sampler *Sampler
	logger  *zap.Logger
	started time.Time

	mu          sync.Mutex
	samples     int
	first       *types.ResourceSnapshot
	last        types.ResourceSnapshot
	peakMemory  int64
	peakGPU     int64
	cpuSum      float64
	totalMemory int64
	phases      map[string]phaseMark
	timings     []types.PhaseTiming
	warnings    []string
	seen        map[string]bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	metrics  types.ProcessingMetrics
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sampler.interval)
	defer ticker.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Session) sample(ctx context.Context) {
	snap, err := s.sampler.probe.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("sample failed", zap.Error(err))
		}
		return
	}

	if s.sampler.gpu != nil {
		if used, err := s.sampler.gpu.GPUMemoryUsed(ctx); err == nil {
			snap.GPUMemoryUsed = &used
		}
	}

	s.record(snap)
}

func (s *Session) record(snap types.ResourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples++
	if s.first == nil {
		first := snap
		s.first = &first
	}
	s.last = snap
	s.cpuSum += snap.CPUPercent
	if snap.MemoryUsed > s.peakMemory {
		s.peakMemory = snap.MemoryUsed
	}
	if snap.MemoryTotal > 0 {
		s.totalMemory = snap.MemoryTotal
	}
	if snap.GPUMemoryUsed != nil && *snap.GPUMemoryUsed > s.peakGPU {
		s.peakGPU = *snap.GPUMemoryUsed
	}

	if snap.MemoryPercent > memoryPercentLimit {
		s.warn("memory", fmt.Sprintf("memory usage at %.0f%%", snap.MemoryPercent))
	}
	if growth := snap.MemoryUsed - s.first.MemoryUsed; growth > memoryGrowthLimit {
		s.warn("growth", fmt.Sprintf("memory grew by %s", types.FormatMemory(growth)))
	}
	if snap.CPUPercent > cpuPercentLimit {
		s.warn("cpu", fmt.Sprintf("cpu usage at %.0f%%", snap.CPUPercent))
	}
	if snap.GPUMemoryUsed != nil && *snap.GPUMemoryUsed > gpuMemoryLimit {
		s.warn("gpu", fmt.Sprintf("gpu memory at %s", types.FormatMemory(*snap.GPUMemoryUsed)))
	}
}

// warn records a warning once per kind. Caller holds mu.
func (s *Session) warn(kind, msg string) {
	if s.seen[kind] {
		return
	}
	s.seen[kind] = true
	s.warnings = append(s.warnings, msg)
	s.logger.Warn("resource threshold crossed", zap.String("kind", kind), zap.String("detail", msg))
}

// MarkPhase starts timing a pipeline phase
func (s *Session) MarkPhase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases[name] = phaseMark{start: time.Now(), memory: s.last.MemoryUsed}
}

// EndPhase stops timing a phase and returns its cost. Ending a phase that was
// never marked returns false.
func (s *Session) EndPhase(name string) (types.PhaseTiming, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.phases[name]
	if !ok {
		return types.PhaseTiming{}, false
	}
	delete(s.phases, name)

	timing := types.PhaseTiming{
		Name:        name,
		Duration:    time.Since(mark.start),
		MemoryDelta: s.last.MemoryUsed - mark.memory,
	}
	s.timings = append(s.timings, timing)
	return timing, true
}

// Latest returns the most recent snapshot, if any sample succeeded yet
func (s *Session) Latest() (types.ResourceSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.samples > 0
}

// Warnings returns the warnings raised so far
func (s *Session) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// Stop ends sampling, waits for the worker and returns the aggregates.
// Phases still open are closed. Stop is safe to call more than once.
func (s *Session) Stop() types.ProcessingMetrics {
	s.stopOnce.Do(
		func() {
			s.cancel()
			<-s.done

			s.mu.Lock()
			open := make([]string, 0, len(s.phases))
			for name := range s.phases {
				open = append(open, name)
			}
			s.mu.Unlock()
			for _, name := range open {
				s.EndPhase(name)
			}

			s.mu.Lock()
			defer s.mu.Unlock()
			s.metrics = s.aggregate()
		},
	)
	return s.metrics
}

// aggregate builds the final metrics. Caller holds mu.
func (s *Session) aggregate() types.ProcessingMetrics {
	m := types.ProcessingMetrics{
		TaskID:        s.taskID,
		Samples:       s.samples,
		PeakMemory:    s.peakMemory,
		PeakGPUMemory: s.peakGPU,
		Duration:      time.Since(s.started),
	}
	if s.samples > 0 {
		m.AvgCPU = s.cpuSum / float64(s.samples)
		m.MemoryGrowth = s.last.MemoryUsed - s.first.MemoryUsed
	}
	m.Phases = append([]types.PhaseTiming(nil), s.timings...)
	m.Warnings = append([]string(nil), s.warnings...)
	m.EfficiencyScore = efficiency(s.peakMemory, s.totalMemory)
	return m
}

func efficiency(peak, total int64) float64 {
	if total <= 0 {
		return 0
	}
	score := 100 - float64(peak)/float64(total)*100
	if score < 0 {
		return 0
	}
	return score
}
