package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/backend"
	"github.com/danpasecinic/inpaintd/internal/diagnostics"
	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/notify"
	"github.com/danpasecinic/inpaintd/internal/progress"
	"github.com/danpasecinic/inpaintd/internal/retry"
	"github.com/danpasecinic/inpaintd/internal/sampler"
	"github.com/danpasecinic/inpaintd/internal/state"
	"github.com/danpasecinic/inpaintd/internal/storage"
	"github.com/danpasecinic/inpaintd/internal/types"
)

var (
	// ErrShuttingDown is returned for work submitted after Shutdown
	ErrShuttingDown = errors.New("coordinator is shutting down")
	// ErrRejected is returned when preflight validation refuses a job
	ErrRejected = errors.New("job rejected by preflight validation")
	// ErrUnexpectedAsync is returned when the backend acknowledges a per-unit
	// call asynchronously instead of returning the result
	ErrUnexpectedAsync = errors.New("backend answered asynchronously")
	// ErrRemoteCancelled is returned when the remote orchestrator cancelled
	// the job it was running for us
	ErrRemoteCancelled = errors.New("remote task was cancelled")
	// ErrAlreadyRunning is returned when a task's pipeline is already owned
	// by another goroutine
	ErrAlreadyRunning = errors.New("task is already running")
)

// Backend runs inpainting requests
type Backend interface {
	Inpaint(ctx context.Context, req backend.Request) (*backend.Result, error)
}

// Supervisor inspects and restarts the backend container
type Supervisor interface {
	OOMKilled(ctx context.Context) bool
	Restart(ctx context.Context) error
}

// Bridge relays progress of jobs the backend runs asynchronously
type Bridge interface {
	AddTaskMapping(remoteID, localID string)
	SubscribeToTask(ctx context.Context, remoteID string) error
	Release(ctx context.Context, remoteID string)
}

// Validator runs preflight checks
type Validator interface {
	Validate(
		ctx context.Context, payload types.PayloadDescriptor, units []types.UnitDescriptor,
		params types.ProcessingParams,
	) types.PreprocessingReport
}

// Dispatcher hands jobs to a queue instead of running them in-process
type Dispatcher interface {
	Enqueue(ctx context.Context, job types.Job) error
}

// Config holds coordinator settings
type Config struct {
	MaxJobDuration     time.Duration
	Retention          time.Duration
	SupervisorInterval time.Duration
	HeartbeatInterval  time.Duration
	UnitTimeout        time.Duration
	AsyncBackend       bool
	AsyncWait          time.Duration
	// ResultRetention expires stored results; zero keeps them forever
	ResultRetention time.Duration
}

// DefaultConfig returns the settings used when fields are left zero
func DefaultConfig() Config {
	return Config{
		MaxJobDuration:     30 * time.Minute,
		Retention:          time.Hour,
		SupervisorInterval: 30 * time.Second,
		HeartbeatInterval:  2 * time.Second,
		UnitTimeout:        5 * time.Minute,
		AsyncWait:          20 * time.Minute,
	}
}

// Deps are the collaborators of the coordinator. Registry and Backend are
// required; everything else is optional.
type Deps struct {
	Registry   *state.Registry
	Sink       progress.Sink
	Backend    Backend
	Validator  Validator
	Classifier *diagnostics.Classifier
	Retry      *retry.Manager
	Sampler    *sampler.Sampler
	Supervisor Supervisor
	Bridge     Bridge
	Archive    state.Archive
	Store      storage.Store
	Notifier   notify.Notifier
	Dispatcher Dispatcher
}

type running struct {
	job      types.Job
	cancel   context.CancelFunc
	remoteID string
}

// Coordinator drives jobs end to end. Each job is owned by exactly one
// goroutine running Run.
type Coordinator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*running
	waiters map[string]chan types.TaskEvent
	closed  bool
	wg      sync.WaitGroup
}

// New creates a coordinator
func New(cfg Config, deps Deps, log *zap.Logger) (*Coordinator, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.AsyncBackend && deps.Bridge == nil {
		return nil, errors.New("async backend mode requires a bridge")
	}

	defaults := DefaultConfig()
	if cfg.MaxJobDuration <= 0 {
		cfg.MaxJobDuration = defaults.MaxJobDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.SupervisorInterval <= 0 {
		cfg.SupervisorInterval = defaults.SupervisorInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = defaults.UnitTimeout
	}
	if cfg.AsyncWait <= 0 || cfg.AsyncWait > cfg.MaxJobDuration {
		cfg.AsyncWait = cfg.MaxJobDuration
	}

	log = logger.OrNop(log).With(zap.String("component", "coordinator"))
	if deps.Classifier == nil {
		deps.Classifier = diagnostics.New()
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewManager(log)
	}

	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		deps:       deps,
		log:        log,
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		jobs:       make(map[string]*running),
		waiters:    make(map[string]chan types.TaskEvent),
	}, nil
}

// Submit registers a job and starts it, either on a goroutine owned by the
// coordinator or through the dispatcher. It returns the task id.
func (c *Coordinator) Submit(ctx context.Context, job types.Job) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	requested := job.Units
	job = prepareJob(job)
	if job.TaskID == "" {
		job.TaskID = c.deps.Registry.Create(len(job.Units), job.Metadata)
	} else if err := c.deps.Registry.Register(job.TaskID, len(job.Units), job.Metadata); err != nil {
		return "", fmt.Errorf("failed to register task: %w", err)
	}

	if c.deps.Dispatcher != nil {
		queued := job
		queued.Units = requested
		if err := c.deps.Dispatcher.Enqueue(ctx, queued); err != nil {
			if task, changed, ferr := c.deps.Registry.Fail(job.TaskID, "failed to enqueue job"); ferr == nil && changed {
				c.settle(job, task, true)
			}
			return "", fmt.Errorf("failed to enqueue job: %w", err)
		}
		c.log.Info("job enqueued", zap.String("task_id", job.TaskID), zap.Int("units", len(job.Units)))
		return job.TaskID, nil
	}

	runCtx, cancel := context.WithCancel(c.base)
	if err := c.track(job, cancel); err != nil {
		cancel()
		return "", err
	}
	go func() {
		if err := c.run(runCtx, cancel, job, requested); err != nil {
			c.log.Debug("job ended with error", zap.String("task_id", job.TaskID), zap.Error(err))
		}
	}()
	return job.TaskID, nil
}

// Cancel marks a task cancelled and stops its pipeline. Work already sent
// to the backend stops only when the backend's own timeout fires.
func (c *Coordinator) Cancel(taskID string) error {
	task, changed, err := c.deps.Registry.Cancel(taskID)
	if err != nil {
		return err
	}
	if !changed {
		return state.ErrTaskTerminal
	}

	job := c.interrupt(taskID)
	c.log.Info("task cancelled", zap.String("task_id", taskID))
	c.settle(job, task, true)
	return nil
}

// Running returns the number of jobs whose pipeline is executing
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first, the remaining jobs are cancelled and awaited.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	count := len(c.jobs)
	c.mu.Unlock()

	c.log.Info("shutdown initiated", zap.Int("running", count))

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancelBase()
		c.log.Info("all jobs finished")
		return nil
	case <-ctx.Done():
		c.log.Warn("shutdown timeout reached, cancelling jobs", zap.Int("running", c.Running()))
		c.cancelBase()
		c.mu.Lock()
		for _, r := range c.jobs {
			r.cancel()
		}
		c.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// StartSupervisor force-fails jobs that outlive MaxJobDuration and prunes
// old terminal tasks. It blocks until ctx is done.
func (c *Coordinator) StartSupervisor(ctx context.Context) {
	c.log.Info(
		"supervisor started",
		zap.Duration("max_job_duration", c.cfg.MaxJobDuration),
		zap.Duration("retention", c.cfg.Retention),
	)

	ticker := time.NewTicker(c.cfg.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("supervisor stopping")
			return
		case <-ticker.C:
			c.supervise()
		}
	}
}

func (c *Coordinator) supervise() {
	for _, task := range c.deps.Registry.Overdue(c.cfg.MaxJobDuration) {
		msg := fmt.Sprintf("job exceeded the maximum duration of %s", c.cfg.MaxJobDuration)
		failed, changed, err := c.deps.Registry.Fail(task.TaskID, msg)
		if err != nil || !changed {
			continue
		}
		job := c.interrupt(task.TaskID)
		c.log.Warn("overdue task failed", zap.String("task_id", task.TaskID), zap.Time("created_at", task.CreatedAt))
		c.settle(job, failed, true)
	}

	pruned := c.deps.Registry.PruneTerminal(c.cfg.Retention)
	for _, id := range pruned {
		c.deps.Retry.Forget(id)
	}
	if len(pruned) > 0 {
		c.log.Info("pruned terminal tasks", zap.Int("count", len(pruned)))
	}

	if p, ok := c.deps.Store.(resultPruner); ok && c.cfg.ResultRetention > 0 {
		removed, err := p.PruneOlderThan(c.cfg.ResultRetention)
		if err != nil {
			c.log.Warn("failed to prune results", zap.Error(err))
		} else if removed > 0 {
			c.log.Info("pruned stored results", zap.Int("count", removed))
		}
	}
}

type resultPruner interface {
	PruneOlderThan(maxAge time.Duration) (int, error)
}

// track records a running job. It fails once shutdown has begun.
func (c *Coordinator) track(job types.Job, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}
	if _, exists := c.jobs[job.TaskID]; exists {
		return ErrAlreadyRunning
	}
	c.jobs[job.TaskID] = &running{job: job, cancel: cancel}
	c.wg.Add(1)
	return nil
}

func (c *Coordinator) untrack(taskID string) {
	c.mu.Lock()
	delete(c.jobs, taskID)
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Coordinator) setRemote(taskID, remoteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.jobs[taskID]; ok {
		r.remoteID = remoteID
	}
}

// interrupt cancels a running job's context and releases its remote task.
// It returns the job as submitted, or a bare job for tasks not running here.
func (c *Coordinator) interrupt(taskID string) types.Job {
	c.mu.Lock()
	r, ok := c.jobs[taskID]
	if !ok {
		c.mu.Unlock()
		return types.Job{TaskID: taskID}
	}
	job, stop, remoteID := r.job, r.cancel, r.remoteID
	c.mu.Unlock()

	stop()
	if remoteID != "" && c.deps.Bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.deps.Bridge.Release(ctx, remoteID)
		cancel()
	}
	return job
}

// settle publishes a task that just became terminal: broadcast (unless the
// bridge already relayed the terminal event), archive and notify. Failures
// are logged and never change the task.
func (c *Coordinator) settle(job types.Job, task types.Task, broadcast bool) {
	ev := types.TerminalEvent(task, c.now())
	if ev == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if broadcast && c.deps.Sink != nil {
		c.deps.Sink.BroadcastToTask(ctx, task.TaskID, ev)
	}
	if c.deps.Archive != nil {
		if err := c.deps.Archive.SaveTask(ctx, task); err != nil {
			c.log.Warn("failed to archive task", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}
	if c.deps.Notifier != nil {
		if job.TaskID == "" {
			job.TaskID = task.TaskID
		}
		if err := c.deps.Notifier.Notify(ctx, job, ev); err != nil {
			c.log.Warn("failed to notify", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}
}
