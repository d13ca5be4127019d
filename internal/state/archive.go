package state

import (
	"context"
	"sync"

	"github.com/danpasecinic/inpaintd/internal/types"
)

// Archive persists terminal task snapshots and retry audit trails so they
// outlive registry pruning and process restarts.
type Archive interface {
	SaveTask(ctx context.Context, task types.Task) error
	GetTask(ctx context.Context, taskID string) (types.Task, error)
	AppendAttempts(ctx context.Context, taskID string, attempts []types.RetryAttempt) error
	ListAttempts(ctx context.Context, taskID string) ([]types.RetryAttempt, error)
	Close() error
}

// InMemoryArchive is an in-memory implementation of Archive
type InMemoryArchive struct {
	mu       sync.RWMutex
	tasks    map[string]types.Task
	attempts map[string][]types.RetryAttempt
}

// NewInMemoryArchive creates a new in-memory archive
func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{
		tasks:    make(map[string]types.Task),
		attempts: make(map[string][]types.RetryAttempt),
	}
}

// SaveTask stores or replaces a task snapshot
func (a *InMemoryArchive) SaveTask(_ context.Context, task types.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tasks[task.TaskID] = task.Clone()
	return nil
}

// GetTask retrieves an archived task by ID
func (a *InMemoryArchive) GetTask(_ context.Context, taskID string) (types.Task, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	task, ok := a.tasks[taskID]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// AppendAttempts adds retry attempts to the task's audit trail
func (a *InMemoryArchive) AppendAttempts(_ context.Context, taskID string, attempts []types.RetryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.attempts[taskID] = append(a.attempts[taskID], attempts...)
	return nil
}

// ListAttempts returns the task's retry attempts in the order they were appended
func (a *InMemoryArchive) ListAttempts(_ context.Context, taskID string) ([]types.RetryAttempt, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	attempts := a.attempts[taskID]
	out := make([]types.RetryAttempt, len(attempts))
	copy(out, attempts)
	return out, nil
}

// Close is a no-op for the in-memory archive
func (a *InMemoryArchive) Close() error {
	return nil
}
