package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/backend"
	"github.com/danpasecinic/inpaintd/internal/bridge"
	"github.com/danpasecinic/inpaintd/internal/progress"
	"github.com/danpasecinic/inpaintd/internal/sampler"
	"github.com/danpasecinic/inpaintd/internal/state"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// BridgeHooks returns the hooks that feed relayed remote events back into
// the coordinator. The bridge broadcasts the events itself; the hooks only
// keep the registry in step and wake the waiting pipeline.
func (c *Coordinator) BridgeHooks() bridge.Hooks {
	return bridge.Hooks{
		OnTerminal: c.onRemoteTerminal,
		OnProgress: c.onRemoteProgress,
		IsTerminal: func(localID string) bool {
			task, ok := c.deps.Registry.Get(localID)
			return ok && task.Status.IsTerminal()
		},
	}
}

func (c *Coordinator) onRemoteTerminal(localID string, ev types.TaskEvent) {
	c.mu.Lock()
	waiter, ok := c.waiters[localID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("terminal event without a waiting job", zap.String("task_id", localID))
		return
	}
	select {
	case waiter <- ev:
	default:
	}
}

func (c *Coordinator) onRemoteProgress(localID string, ev types.ProgressUpdate) {
	if !ev.Stage.Valid() {
		return
	}
	update := state.ProgressUpdate{
		Stage:         ev.Stage,
		StageProgress: ev.StageProgress,
		CurrentUnit:   &ev.CurrentUnit,
		Message:       &ev.Message,
	}
	if _, err := c.deps.Registry.UpdateProgress(localID, update); err != nil {
		c.log.Debug("remote progress not recorded", zap.String("task_id", localID), zap.Error(err))
	}
}

// runAsync sends every unit in one request and waits for the remote
// orchestrator to report the terminal state through the bridge
func (c *Coordinator) runAsync(
	ctx context.Context, job types.Job, rep *progress.Reporter, sess *sampler.Session,
) error {
	log := c.log.With(zap.String("task_id", job.TaskID))

	job, _, err := buildDescriptor(job)
	if err != nil {
		c.fail(job, err.Error(), true)
		return err
	}
	job.Units = normalizeUnits(job.Payload, job.Units)

	if err := rep.StartStage(ctx, types.StageInpainting, "Submitting to backend"); err != nil {
		return err
	}
	markPhase(sess, "remote")

	waiter := make(chan types.TaskEvent, 1)
	c.mu.Lock()
	c.waiters[job.TaskID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, job.TaskID)
		c.mu.Unlock()
	}()

	res, err := c.deps.Backend.Inpaint(
		ctx, backend.Request{
			TaskID:      job.TaskID,
			Payload:     job.Payload,
			Units:       job.Units,
			Params:      job.Params,
			CallbackURL: job.CallbackURL,
		},
	)
	if err != nil {
		diag := c.deps.Classifier.Classify(err, c.diagnosticContext(ctx, job, 0, sess))
		c.fail(job, failureMessage(diag, err), true)
		return err
	}

	if !res.Async {
		// the backend answered inline after all
		ref := ""
		if c.deps.Store != nil && len(res.Data) > 0 {
			if ref, err = c.deps.Store.Save(ctx, job.TaskID, res.Data); err != nil {
				c.fail(job, err.Error(), true)
				return err
			}
		}
		return c.complete(job, ref, true)
	}

	c.setRemote(job.TaskID, res.RemoteTaskID)
	c.deps.Bridge.AddTaskMapping(res.RemoteTaskID, job.TaskID)
	if err := c.deps.Bridge.SubscribeToTask(ctx, res.RemoteTaskID); err != nil {
		c.deps.Bridge.Release(context.Background(), res.RemoteTaskID)
		c.fail(job, fmt.Sprintf("failed to follow remote task: %v", err), true)
		return err
	}
	log.Info("following remote task", zap.String("remote_id", res.RemoteTaskID))

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.AsyncWait)
	defer cancel()

	select {
	case ev := <-waiter:
		endPhase(sess, "remote")
		switch e := ev.(type) {
		case types.TaskCompleted:
			return c.complete(job, e.Result, false)
		case types.TaskFailed:
			c.fail(job, e.ErrorMessage, false)
			return fmt.Errorf("remote task failed: %s", e.ErrorMessage)
		default:
			c.fail(job, ErrRemoteCancelled.Error(), false)
			return ErrRemoteCancelled
		}
	case <-waitCtx.Done():
		c.deps.Bridge.Release(context.Background(), res.RemoteTaskID)
		c.fail(job, fmt.Sprintf("remote task %s did not finish: %v", res.RemoteTaskID, waitCtx.Err()), true)
		return waitCtx.Err()
	}
}

func (c *Coordinator) complete(job types.Job, ref string, broadcast bool) error {
	task, changed, err := c.deps.Registry.Complete(job.TaskID, ref)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if changed {
		c.log.Info("job completed", zap.String("task_id", job.TaskID), zap.String("result", ref))
		c.settle(job, task, broadcast)
	}
	return nil
}
