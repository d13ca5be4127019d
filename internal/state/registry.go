package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danpasecinic/inpaintd/internal/types"
)

var (
	// ErrTaskNotFound is returned when a task is not in the registry
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal is returned when mutating a completed, failed or cancelled task
	ErrTaskTerminal = errors.New("task is in a terminal state")
	// ErrInvalidTransition is returned when a lifecycle transition is not allowed
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrInvalidStage is returned for progress updates naming an unknown stage
	ErrInvalidStage = errors.New("invalid stage")
)

// ProgressUpdate carries one progress report from the pipeline.
// CurrentUnit and Message are left unchanged when nil.
type ProgressUpdate struct {
	Stage         types.Stage
	StageProgress float64
	CurrentUnit   *int
	Message       *string
}

// Registry is the authoritative, lock-protected store of task state.
// Readers always receive copies; the map is never exposed.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
	now   func() time.Time
	newID func() string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*types.Task),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Create registers a new pending task under a generated id
func (r *Registry) Create(totalUnits int, meta map[string]string) string {
	id := r.newID()
	_ = r.Register(id, totalUnits, meta)
	return id
}

// Register adds a task under an externally supplied id.
// Registering an id that already exists is a no-op.
func (r *Registry) Register(id string, totalUnits int, meta map[string]string) error {
	if id == "" {
		return errors.New("task id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		return nil
	}

	if totalUnits < 0 {
		totalUnits = 0
	}

	task := &types.Task{
		TaskID:     id,
		Status:     types.StatusPending,
		Stage:      types.StagePreparing,
		TotalUnits: totalUnits,
		Message:    "queued",
		CreatedAt:  r.now(),
	}
	if len(meta) > 0 {
		task.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			task.Metadata[k] = v
		}
	}
	r.tasks[id] = task
	return nil
}

// Get returns a copy of the task
func (r *Registry) Get(id string) (types.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return task.Clone(), true
}

// List returns copies of all tasks ordered by creation time
func (r *Registry) List() []types.Task {
	r.mu.RLock()
	tasks := make([]types.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Start moves a pending task to preparing and records its start time
func (r *Registry) Start(id string) (types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return task.Clone(), ErrTaskTerminal
	}
	if task.Status != types.StatusPending {
		return task.Clone(), ErrInvalidTransition
	}

	now := r.now()
	task.Status = types.StatusPreparing
	task.Stage = types.StagePreparing
	task.StartedAt = &now
	task.Message = "preparing"
	return task.Clone(), nil
}

// UpdateProgress records a progress report and recomputes overall progress.
// Overall progress never decreases.
func (r *Registry) UpdateProgress(id string, update ProgressUpdate) (types.Task, error) {
	if !update.Stage.Valid() {
		return types.Task{}, ErrInvalidStage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return task.Clone(), ErrTaskTerminal
	}

	if task.StartedAt == nil {
		now := r.now()
		task.StartedAt = &now
	}

	stageProgress := clamp(update.StageProgress, 0, 100)
	if update.CurrentUnit != nil {
		unit := *update.CurrentUnit
		if unit < 0 {
			unit = 0
		}
		if task.TotalUnits > 0 && unit > task.TotalUnits {
			unit = task.TotalUnits
		}
		task.CurrentUnit = unit
	}
	if update.Message != nil {
		task.Message = *update.Message
	}

	task.Stage = update.Stage
	task.StageProgress = stageProgress
	if update.Stage == types.StagePreparing {
		task.Status = types.StatusPreparing
	} else {
		task.Status = types.StatusProcessing
	}

	overall := OverallProgress(update.Stage, stageProgress, task.CurrentUnit, task.TotalUnits)
	if overall > task.OverallProgress {
		task.OverallProgress = overall
	}
	return task.Clone(), nil
}

// Complete marks the task completed. The bool result is false when the task
// was already terminal and nothing changed.
func (r *Registry) Complete(id string, result string) (types.Task, bool, error) {
	return r.finish(id, func(task *types.Task) {
		task.Status = types.StatusCompleted
		task.Stage = types.StageFinalizing
		task.StageProgress = 100
		task.OverallProgress = 100
		task.CurrentUnit = task.TotalUnits
		task.Result = result
		task.Message = "completed"
	})
}

// Fail marks the task failed with the given message
func (r *Registry) Fail(id string, msg string) (types.Task, bool, error) {
	return r.finish(id, func(task *types.Task) {
		task.Status = types.StatusError
		task.ErrorMessage = msg
		task.Message = "failed"
	})
}

// Cancel marks a non-terminal task cancelled. Stopping the in-flight work is
// left to the owner of the job's context.
func (r *Registry) Cancel(id string) (types.Task, bool, error) {
	return r.finish(id, func(task *types.Task) {
		task.Status = types.StatusCancelled
		task.Message = "cancelled"
	})
}

func (r *Registry) finish(id string, mutate func(*types.Task)) (types.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, false, ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return task.Clone(), false, nil
	}

	now := r.now()
	mutate(task)
	task.CompletedAt = &now
	return task.Clone(), true, nil
}

// Remove deletes a task regardless of state
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return false
	}
	delete(r.tasks, id)
	return true
}

// PruneTerminal removes terminal tasks that finished more than olderThan ago
// and returns their ids
func (r *Registry) PruneTerminal(olderThan time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	var removed []string
	for id, task := range r.tasks {
		if !task.Status.IsTerminal() || task.CompletedAt == nil {
			continue
		}
		if task.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Overdue returns non-terminal tasks created more than maxAge ago
func (r *Registry) Overdue(maxAge time.Duration) []types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-maxAge)
	var overdue []types.Task
	for _, task := range r.tasks {
		if task.Status.IsTerminal() {
			continue
		}
		if task.CreatedAt.Before(cutoff) {
			overdue = append(overdue, task.Clone())
		}
	}
	return overdue
}

// Stats returns the number of tasks per status
func (r *Registry) Stats() map[types.TaskStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[types.TaskStatus]int)
	for _, task := range r.tasks {
		stats[task.Status]++
	}
	return stats
}

// OverallProgress maps a stage-local report onto the 0-100 overall scale.
// Inside the inpainting stage, completedUnits/totalUnits selects the unit's
// slice of the range and stageProgress interpolates within that slice.
func OverallProgress(stage types.Stage, stageProgress float64, completedUnits, totalUnits int) float64 {
	rng := stage.Range()
	stageProgress = clamp(stageProgress, 0, 100)

	if stage == types.StageInpainting && totalUnits > 0 {
		if completedUnits >= totalUnits {
			return rng.End
		}
		perUnit := rng.Width() / float64(totalUnits)
		overall := rng.Start +
			float64(completedUnits)/float64(totalUnits)*rng.Width() +
			stageProgress/100*perUnit
		return clamp(overall, rng.Start, rng.End)
	}

	return clamp(rng.Start+stageProgress/100*rng.Width(), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
