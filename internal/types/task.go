package types

import "time"

// TaskStatus represents the lifecycle state of a processing task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusPreparing  TaskStatus = "preparing"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusError      TaskStatus = "error"
	StatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Stage is a named pipeline phase with a reserved slice of overall progress
type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageMasking    Stage = "masking"
	StageInpainting Stage = "inpainting"
	StageFinalizing Stage = "finalizing"
)

// StageRange is the [Start, End) window of overall progress owned by a stage
type StageRange struct {
	Start float64
	End   float64
}

// Width returns the size of the range in percentage points
func (r StageRange) Width() float64 {
	return r.End - r.Start
}

var stageRanges = map[Stage]StageRange{
	StagePreparing:  {Start: 0, End: 5},
	StageMasking:    {Start: 5, End: 15},
	StageInpainting: {Start: 15, End: 90},
	StageFinalizing: {Start: 90, End: 100},
}

// Range returns the progress window reserved for the stage.
// Unknown stages map to an empty range at 0.
func (s Stage) Range() StageRange {
	return stageRanges[s]
}

// Valid reports whether the stage is one of the known pipeline stages
func (s Stage) Valid() bool {
	_, ok := stageRanges[s]
	return ok
}

// Stages returns the pipeline stages in execution order
func Stages() []Stage {
	return []Stage{StagePreparing, StageMasking, StageInpainting, StageFinalizing}
}

// Task is the authoritative record of one long-running processing job
type Task struct {
	TaskID          string            `json:"task_id"`
	Status          TaskStatus        `json:"status"`
	Stage           Stage             `json:"stage"`
	OverallProgress float64           `json:"overall_progress"`
	StageProgress   float64           `json:"stage_progress"`
	CurrentUnit     int               `json:"current_unit"`
	TotalUnits      int               `json:"total_units"`
	Message         string            `json:"message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Result          string            `json:"result,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand out to readers
func (t Task) Clone() Task {
	c := t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Elapsed returns the time since the task started, or zero if it has not.
// Terminal tasks report the time between start and completion.
func (t Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	if end.Before(*t.StartedAt) {
		return 0
	}
	return end.Sub(*t.StartedAt)
}

// EstimatedRemaining extrapolates the remaining time from elapsed time and
// overall progress. It returns false when the task has not started or has
// made no progress yet.
func (t Task) EstimatedRemaining(now time.Time) (time.Duration, bool) {
	if t.StartedAt == nil || t.OverallProgress <= 0 {
		return 0, false
	}
	if t.OverallProgress >= 100 {
		return 0, true
	}
	elapsed := t.Elapsed(now).Seconds()
	remaining := elapsed * (100/t.OverallProgress - 1)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining * float64(time.Second)), true
}
