package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/state"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// Sink receives progress events for fan-out. It is implemented by the broker.
type Sink interface {
	BroadcastToTask(ctx context.Context, taskID string, ev types.Event) int
}

// Reporter maps pipeline sub-steps of one task onto registry updates and
// broadcasts each resulting snapshot. A Reporter is owned by the goroutine
// driving the job; the internal lock only serialises it with its heartbeat.
type Reporter struct {
	registry   *state.Registry
	sink       Sink
	logger     *zap.Logger
	taskID     string
	totalUnits int
	now        func() time.Time

	mu        sync.Mutex
	stage     types.Stage
	stageOpen bool
	unit      int
}

// NewReporter binds a reporter to one task
func NewReporter(registry *state.Registry, sink Sink, taskID string, totalUnits int, log *zap.Logger) *Reporter {
	return &Reporter{
		registry:   registry,
		sink:       sink,
		logger:     logger.OrNop(log).With(zap.String("task_id", taskID)),
		taskID:     taskID,
		totalUnits: totalUnits,
		now:        time.Now,
	}
}

// TaskID returns the task the reporter is bound to
func (r *Reporter) TaskID() string {
	return r.taskID
}

// Stage returns the stage most recently started
func (r *Reporter) Stage() types.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// StartStage begins a stage at 0%. An unfinished previous stage is first
// completed so every stage reaches 100% before the next one starts.
func (r *Reporter) StartStage(ctx context.Context, stage types.Stage, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.openStageLocked(ctx, stage); err != nil {
		return err
	}
	if msg == "" {
		msg = startMessage(stage, r.unit, r.totalUnits)
	}
	return r.publish(ctx, stage, 0, r.unitsFor(stage), msg)
}

// Update reports progress within the current stage
func (r *Reporter) Update(ctx context.Context, pct float64, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.stageOpen {
		return fmt.Errorf("no stage started for task %s", r.taskID)
	}
	if msg == "" {
		msg = startMessage(r.stage, r.unit, r.totalUnits)
	}
	return r.publish(ctx, r.stage, pct, r.unitsFor(r.stage), msg)
}

// AdvanceUnit reports progress pct within unit index (0-based) of the
// inpainting stage. The index doubles as the number of completed units.
func (r *Reporter) AdvanceUnit(ctx context.Context, index int, pct float64, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advanceUnitLocked(ctx, index, pct, msg)
}

func (r *Reporter) advanceUnitLocked(ctx context.Context, index int, pct float64, msg string) error {
	if err := r.openStageLocked(ctx, types.StageInpainting); err != nil {
		return err
	}
	r.unit = index
	if msg == "" {
		msg = unitMessage(index, r.totalUnits)
	}
	return r.publish(ctx, types.StageInpainting, pct, index, msg)
}

// openStageLocked makes stage the current one, first publishing 100% for a
// different stage that is still open
func (r *Reporter) openStageLocked(ctx context.Context, stage types.Stage) error {
	if r.stageOpen && r.stage != stage {
		if err := r.publish(ctx, r.stage, 100, r.completedUnitsFor(r.stage), completeMessage(r.stage, "")); err != nil {
			return err
		}
	}
	r.stage = stage
	r.stageOpen = true
	return nil
}

// CompleteUnit marks unit index as done, moving to the start of the next one
func (r *Reporter) CompleteUnit(ctx context.Context, index int, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := index + 1
	if msg == "" {
		msg = fmt.Sprintf("Region %d of %d inpainted", next, r.totalUnits)
	}
	return r.advanceUnitLocked(ctx, next, 0, msg)
}

// CompleteStage reports 100% for the current stage
func (r *Reporter) CompleteStage(ctx context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.stageOpen {
		return nil
	}
	if r.stage == types.StageInpainting {
		r.unit = r.totalUnits
	}
	err := r.publish(ctx, r.stage, 100, r.completedUnitsFor(r.stage), completeMessage(r.stage, msg))
	r.stageOpen = false
	return err
}

func (r *Reporter) publish(ctx context.Context, stage types.Stage, pct float64, unit int, msg string) error {
	update := state.ProgressUpdate{
		Stage:         stage,
		StageProgress: pct,
		Message:       &msg,
	}
	if unit >= 0 {
		update.CurrentUnit = &unit
	}

	task, err := r.registry.UpdateProgress(r.taskID, update)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	if r.sink != nil {
		delivered := r.sink.BroadcastToTask(ctx, r.taskID, types.NewProgressUpdate(task, r.now()))
		r.logger.Debug(
			"progress update",
			zap.String("stage", string(stage)),
			zap.Float64("stage_progress", task.StageProgress),
			zap.Float64("progress", task.OverallProgress),
			zap.Int("delivered", delivered),
		)
	}
	return nil
}

// unitsFor returns the unit counter reported with a stage; -1 leaves it as is
func (r *Reporter) unitsFor(stage types.Stage) int {
	if stage == types.StageInpainting {
		return r.unit
	}
	return -1
}

func (r *Reporter) completedUnitsFor(stage types.Stage) int {
	if stage == types.StageInpainting {
		return r.totalUnits
	}
	return -1
}

func startMessage(stage types.Stage, unit, total int) string {
	switch stage {
	case types.StagePreparing:
		return "Preparing image"
	case types.StageMasking:
		return "Generating masks"
	case types.StageInpainting:
		return unitMessage(unit, total)
	case types.StageFinalizing:
		return "Finalizing result"
	default:
		return string(stage)
	}
}

func unitMessage(index, total int) string {
	if total <= 0 {
		return "Inpainting"
	}
	current := index + 1
	if current > total {
		current = total
	}
	return fmt.Sprintf("Inpainting region %d of %d", current, total)
}

func completeMessage(stage types.Stage, msg string) string {
	if msg != "" {
		return msg
	}
	switch stage {
	case types.StagePreparing:
		return "Image prepared"
	case types.StageMasking:
		return "Masks generated"
	case types.StageInpainting:
		return "All regions inpainted"
	case types.StageFinalizing:
		return "Result finalized"
	default:
		return string(stage) + " complete"
	}
}
