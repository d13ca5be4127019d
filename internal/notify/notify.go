package notify

import (
	"context"
	"errors"

	"github.com/danpasecinic/inpaintd/internal/types"
)

// Notifier delivers a job's terminal event to an outside party
type Notifier interface {
	Notify(ctx context.Context, job types.Job, ev types.TaskEvent) error
}

// Multi fans a terminal event out to several notifiers. Every notifier is
// tried; failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, job types.Job, ev types.TaskEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, job, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event
type Nop struct{}

func (Nop) Notify(context.Context, types.Job, types.TaskEvent) error { return nil }
