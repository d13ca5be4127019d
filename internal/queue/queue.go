// Package queue moves job submissions through Redis with asynq so a burst of
// submissions is drained at a bounded concurrency.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

const (
	TaskTypeInpaint = "inpaint:run"
	QueueName       = "inpaint"
)

// Runner executes one job to its terminal state
type Runner interface {
	Run(ctx context.Context, job types.Job) error
}

// Dispatcher enqueues jobs
type Dispatcher struct {
	client *asynq.Client
}

// NewDispatcher connects to the queue's Redis
func NewDispatcher(redisURL string) (*Dispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Dispatcher{client: asynq.NewClient(opt)}, nil
}

// Enqueue puts a registered job on the queue. The pipeline retries failed
// units itself, so asynq never redelivers a job.
func (d *Dispatcher) Enqueue(ctx context.Context, job types.Job) error {
	task, err := NewTask(job)
	if err != nil {
		return err
	}
	if _, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.TaskID(job.TaskID)); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", job.TaskID, err)
	}
	return nil
}

func (d *Dispatcher) Close() error {
	return d.client.Close()
}

// NewTask encodes a job as an asynq task
func NewTask(job types.Job) (*asynq.Task, error) {
	if job.TaskID == "" {
		return nil, errors.New("job task id is required")
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypeInpaint, body, asynq.Queue(QueueName)), nil
}

// Worker consumes queued jobs and hands them to a Runner
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger *zap.Logger
}

// NewWorker creates a worker running at most concurrency jobs at once
func NewWorker(redisURL string, concurrency int, runner Runner, log *zap.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 2
	}

	w := &Worker{
		runner: runner,
		logger: logger.OrNop(log).With(zap.String("component", "queue")),
		mux:    asynq.NewServeMux(),
	}
	w.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{QueueName: 1},
		},
	)
	w.mux.HandleFunc(TaskTypeInpaint, w.HandleTask)
	return w, nil
}

// Start runs the asynq server in the background
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start queue worker: %w", err)
	}
	w.logger.Info("queue worker started")
	return nil
}

// Shutdown waits for in-flight jobs and stops the server
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// HandleTask decodes a job and runs it. Job failures are recorded by the
// runner on the task itself and are not returned to asynq.
func (w *Worker) HandleTask(ctx context.Context, task *asynq.Task) error {
	var job types.Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to decode job: %v: %w", err, asynq.SkipRetry)
	}
	if job.TaskID == "" {
		return fmt.Errorf("missing task id in payload: %w", asynq.SkipRetry)
	}

	if err := w.runner.Run(ctx, job); err != nil {
		w.logger.Info("queued job ended with error", zap.String("task_id", job.TaskID), zap.Error(err))
	}
	return nil
}
