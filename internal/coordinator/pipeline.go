package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/backend"
	"github.com/danpasecinic/inpaintd/internal/diagnostics"
	"github.com/danpasecinic/inpaintd/internal/progress"
	"github.com/danpasecinic/inpaintd/internal/retry"
	"github.com/danpasecinic/inpaintd/internal/sampler"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// jobError is a runtime failure enriched with its diagnosis
type jobError struct {
	diag types.DiagnosticResult
	err  error
}

func (e *jobError) Error() string {
	return failureMessage(e.diag, e.err)
}

func (e *jobError) Unwrap() error {
	return e.err
}

// Run drives one job through the pipeline on the calling goroutine. It is
// the entry point for queue workers; Submit uses the same path.
func (c *Coordinator) Run(ctx context.Context, job types.Job) error {
	requested := job.Units
	job = prepareJob(job)
	if job.TaskID == "" {
		return errors.New("task id is required")
	}
	if err := c.deps.Registry.Register(job.TaskID, len(job.Units), job.Metadata); err != nil {
		return fmt.Errorf("failed to register task: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := c.track(job, cancel); err != nil {
		cancel()
		return err
	}
	return c.run(ctx, cancel, job, requested)
}

// run drives a prepared job. requested holds the units as submitted; preflight
// judges those rather than the normalised list, which may cover the whole
// payload when none were given.
func (c *Coordinator) run(
	ctx context.Context, cancel context.CancelFunc, job types.Job, requested []types.UnitDescriptor,
) error {
	defer c.untrack(job.TaskID)
	defer cancel()

	log := c.log.With(zap.String("task_id", job.TaskID))

	if task, ok := c.deps.Registry.Get(job.TaskID); !ok || task.Status != types.StatusPending {
		log.Info("skipping task that is not pending")
		return nil
	}

	if c.deps.Validator != nil {
		report := c.deps.Validator.Validate(ctx, job.Payload, requested, job.Params)
		log.Info(
			"preflight finished",
			zap.String("risk", string(report.OverallRisk)),
			zap.Float64("score", report.Score),
			zap.Bool("proceed", report.ShouldProceed),
		)
		if !report.ShouldProceed {
			c.fail(job, rejectionMessage(report), true)
			return ErrRejected
		}
		if !report.Adjustments.IsZero() {
			job.Params = report.Adjustments.Apply(job.Params)
			log.Info("preflight adjusted parameters", zap.Any("params", job.Params))
		}
	}

	if _, err := c.deps.Registry.Start(job.TaskID); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	log.Info("job started", zap.Int("units", len(job.Units)), zap.String("tier", string(job.Params.QualityTier)))

	var sess *sampler.Session
	if c.deps.Sampler != nil {
		sess = c.deps.Sampler.Start(ctx, job.TaskID)
		defer func() {
			metrics := sess.Stop()
			log.Info(
				"resource usage",
				zap.String("peak_memory", types.FormatMemory(metrics.PeakMemory)),
				zap.Float64("avg_cpu", metrics.AvgCPU),
				zap.Float64("efficiency", metrics.EfficiencyScore),
				zap.Strings("warnings", metrics.Warnings),
			)
		}()
	}

	rep := progress.NewReporter(c.deps.Registry, c.deps.Sink, job.TaskID, len(job.Units), c.log)

	if c.cfg.AsyncBackend {
		return c.runAsync(ctx, job, rep, sess)
	}

	ref, err := c.execute(ctx, job, rep, sess)
	if err != nil {
		c.fail(job, c.errorMessage(ctx, err), true)
		return err
	}

	return c.complete(job, ref, true)
}

// execute runs the staged pipeline and returns the stored result reference
func (c *Coordinator) execute(
	ctx context.Context, job types.Job, rep *progress.Reporter, sess *sampler.Session,
) (string, error) {
	if err := rep.StartStage(ctx, types.StagePreparing, ""); err != nil {
		return "", err
	}
	markPhase(sess, string(types.StagePreparing))
	job, resized, err := buildDescriptor(job)
	if err != nil {
		return "", err
	}
	endPhase(sess, string(types.StagePreparing))
	msg := ""
	if resized {
		msg = fmt.Sprintf("Image resized to %dx%d", job.Payload.Width, job.Payload.Height)
	}
	if err := rep.CompleteStage(ctx, msg); err != nil {
		return "", err
	}

	if err := rep.StartStage(ctx, types.StageMasking, ""); err != nil {
		return "", err
	}
	markPhase(sess, string(types.StageMasking))
	job.Units = normalizeUnits(job.Payload, job.Units)
	endPhase(sess, string(types.StageMasking))
	if err := rep.CompleteStage(ctx, ""); err != nil {
		return "", err
	}

	if err := rep.StartStage(ctx, types.StageInpainting, ""); err != nil {
		return "", err
	}
	markPhase(sess, string(types.StageInpainting))
	var result *backend.Result
	for i := range job.Units {
		res, params, err := c.inpaintUnit(ctx, job, i, rep, sess)
		if err != nil {
			return "", err
		}
		result = res
		job.Params = params
		// each unit works on the output of the previous one
		if len(res.Data) > 0 {
			job.Payload.Data = res.Data
			job.Payload.SizeBytes = int64(len(res.Data))
		}
		if err := rep.CompleteUnit(ctx, i, ""); err != nil {
			return "", err
		}
	}
	endPhase(sess, string(types.StageInpainting))
	if err := rep.CompleteStage(ctx, ""); err != nil {
		return "", err
	}

	if err := rep.StartStage(ctx, types.StageFinalizing, ""); err != nil {
		return "", err
	}
	markPhase(sess, string(types.StageFinalizing))
	ref := ""
	if c.deps.Store != nil && result != nil && len(result.Data) > 0 {
		ref, err = c.deps.Store.Save(ctx, job.TaskID, result.Data)
		if err != nil {
			return "", fmt.Errorf("failed to store result: %w", err)
		}
	}
	endPhase(sess, string(types.StageFinalizing))
	if err := rep.CompleteStage(ctx, ""); err != nil {
		return "", err
	}
	return ref, nil
}

// inpaintUnit calls the backend for one unit. A failed call is diagnosed
// and handed to the retry manager; the returned params are the ones that
// finally succeeded.
func (c *Coordinator) inpaintUnit(
	ctx context.Context, job types.Job, index int, rep *progress.Reporter, sess *sampler.Session,
) (*backend.Result, types.ProcessingParams, error) {
	unit := job.Units[index]
	call := func(ctx context.Context, params types.ProcessingParams) (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.UnitTimeout)
		defer cancel()

		res, err := c.deps.Backend.Inpaint(
			callCtx, backend.Request{
				TaskID:  job.TaskID,
				Payload: job.Payload,
				Units:   []types.UnitDescriptor{unit},
				Params:  params,
			},
		)
		if err != nil {
			return nil, err
		}
		if res.Async {
			return nil, fmt.Errorf("%w: remote task %s", ErrUnexpectedAsync, res.RemoteTaskID)
		}
		return res, nil
	}

	hb := rep.Heartbeat(ctx, index, c.cfg.HeartbeatInterval)
	defer hb.Stop()

	started := c.now()
	value, err := call(ctx, job.Params)
	if err == nil {
		return value.(*backend.Result), job.Params, nil
	}
	if ctx.Err() != nil {
		return nil, job.Params, ctx.Err()
	}
	if errors.Is(err, ErrUnexpectedAsync) {
		return nil, job.Params, err
	}

	diag := c.deps.Classifier.Classify(err, c.diagnosticContext(ctx, job, c.now().Sub(started), sess))
	c.log.Warn(
		"unit failed",
		zap.String("task_id", job.TaskID),
		zap.Int("unit", index),
		zap.String("reason", string(diag.Reason)),
		zap.String("category", string(diag.Category)),
		zap.Float64("confidence", diag.Confidence),
		zap.Bool("retryable", diag.Retryable),
		zap.Error(err),
	)
	if !diag.Retryable {
		return nil, job.Params, &jobError{diag: diag, err: err}
	}

	outcome := c.deps.Retry.Execute(
		ctx, job.TaskID, diag, job.Params, call,
		retry.WithRediagnosis(
			func(err error, elapsed time.Duration) types.DiagnosticResult {
				return c.deps.Classifier.Classify(err, c.diagnosticContext(ctx, job, elapsed, sess))
			},
		),
		retry.WithBeforeAttempt(c.beforeAttempt),
	)
	if len(outcome.Attempts) > 0 && c.deps.Archive != nil {
		if err := c.deps.Archive.AppendAttempts(ctx, job.TaskID, outcome.Attempts); err != nil {
			c.log.Warn("failed to archive retry attempts", zap.String("task_id", job.TaskID), zap.Error(err))
		}
	}
	if !outcome.Success {
		if ctx.Err() != nil {
			return nil, job.Params, ctx.Err()
		}
		return nil, outcome.Params, &jobError{diag: outcome.Diagnosis, err: outcome.Err}
	}
	return outcome.Value.(*backend.Result), outcome.Params, nil
}

// beforeAttempt restarts the backend container before retrying a service
// failure
func (c *Coordinator) beforeAttempt(ctx context.Context, attempt int, diag types.DiagnosticResult) error {
	if diag.Category != types.CategoryService || c.deps.Supervisor == nil {
		return nil
	}
	c.log.Info("restarting backend before retry", zap.Int("attempt", attempt), zap.String("reason", string(diag.Reason)))
	return c.deps.Supervisor.Restart(ctx)
}

func (c *Coordinator) diagnosticContext(
	ctx context.Context, job types.Job, elapsed time.Duration, sess *sampler.Session,
) diagnostics.Context {
	dctx := diagnostics.Context{
		Megapixels: job.Payload.Megapixels(),
		UnitCount:  len(job.Units),
		Elapsed:    elapsed,
	}
	if sess != nil {
		if snap, ok := sess.Latest(); ok {
			dctx.MemoryPercent = snap.MemoryPercent
		}
	}
	if c.deps.Supervisor != nil {
		inspectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		dctx.OOMKilled = c.deps.Supervisor.OOMKilled(inspectCtx)
		cancel()
	}
	return dctx
}

// fail moves the task to Error and settles it. A task that is already
// terminal (cancelled, or failed by the supervisor) is left alone.
func (c *Coordinator) fail(job types.Job, msg string, broadcast bool) {
	task, changed, err := c.deps.Registry.Fail(job.TaskID, msg)
	if err != nil || !changed {
		return
	}
	c.log.Warn("job failed", zap.String("task_id", job.TaskID), zap.String("error", msg))
	c.settle(job, task, broadcast)
}

func (c *Coordinator) errorMessage(ctx context.Context, err error) string {
	var je *jobError
	if errors.As(err, &je) {
		return je.Error()
	}
	if ctx.Err() != nil {
		return fmt.Sprintf("job interrupted: %v", ctx.Err())
	}
	return err.Error()
}

func failureMessage(diag types.DiagnosticResult, err error) string {
	var b strings.Builder
	if diag.Description != "" {
		b.WriteString(diag.Description)
	} else if err != nil {
		b.WriteString(err.Error())
	}
	if len(diag.Suggestions) > 0 {
		b.WriteString(". Suggestions: ")
		b.WriteString(strings.Join(diag.Suggestions, "; "))
	}
	if err != nil && diag.Description != "" {
		fmt.Fprintf(&b, " (%v)", err)
	}
	return b.String()
}

func rejectionMessage(report types.PreprocessingReport) string {
	var reasons []string
	for _, res := range report.Results {
		if res.Risk.AtLeast(types.RiskHigh) {
			reasons = append(reasons, res.Message)
		}
	}
	msg := fmt.Sprintf("rejected by preflight validation (risk %s, score %.0f)", report.OverallRisk, report.Score)
	if len(reasons) > 0 {
		msg += ": " + strings.Join(reasons, "; ")
	}
	return msg
}

func markPhase(sess *sampler.Session, name string) {
	if sess != nil {
		sess.MarkPhase(name)
	}
}

func endPhase(sess *sampler.Session, name string) {
	if sess != nil {
		sess.EndPhase(name)
	}
}
