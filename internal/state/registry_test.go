package state

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/danpasecinic/inpaintd/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	r := NewRegistry()
	r.SetClock(clock.Now)
	return r, clock
}

func intPtr(i int) *int { return &i }

func strPtr(s string) *string { return &s }

func TestCreateAndGet(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create(3, map[string]string{"source": "upload"})
	if id == "" {
		t.Fatal("Expected generated task ID")
	}

	task, ok := r.Get(id)
	if !ok {
		t.Fatalf("Expected task %s to exist", id)
	}
	if task.Status != types.StatusPending {
		t.Errorf("Expected status pending, got %s", task.Status)
	}
	if task.TotalUnits != 3 {
		t.Errorf("Expected 3 total units, got %d", task.TotalUnits)
	}
	if task.Metadata["source"] != "upload" {
		t.Errorf("Expected metadata to be copied, got %v", task.Metadata)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()

	if err := r.Register("remote-1", 2, nil); err != nil {
		t.Fatalf("Failed to register task: %v", err)
	}
	if _, err := r.Start("remote-1"); err != nil {
		t.Fatalf("Failed to start task: %v", err)
	}

	if err := r.Register("remote-1", 10, nil); err != nil {
		t.Fatalf("Expected second register to succeed, got %v", err)
	}

	task, _ := r.Get("remote-1")
	if task.TotalUnits != 2 {
		t.Errorf("Expected total units to stay 2, got %d", task.TotalUnits)
	}
	if task.Status != types.StatusPreparing {
		t.Errorf("Expected status to stay preparing, got %s", task.Status)
	}
}

func TestRegisterRequiresID(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.Register("", 1, nil); err == nil {
		t.Error("Expected error for empty task ID")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create(1, map[string]string{"k": "v"})

	task, _ := r.Get(id)
	task.Metadata["k"] = "mutated"
	task.Status = types.StatusCompleted

	again, _ := r.Get(id)
	if again.Metadata["k"] != "v" {
		t.Errorf("Expected stored metadata to be unchanged, got %s", again.Metadata["k"])
	}
	if again.Status != types.StatusPending {
		t.Errorf("Expected stored status to be unchanged, got %s", again.Status)
	}
}

func TestStart(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *Registry) string
		wantErr error
	}{
		{
			name: "pending task starts",
			setup: func(r *Registry) string {
				return r.Create(1, nil)
			},
		},
		{
			name: "unknown task",
			setup: func(r *Registry) string {
				return "missing"
			},
			wantErr: ErrTaskNotFound,
		},
		{
			name: "already started",
			setup: func(r *Registry) string {
				id := r.Create(1, nil)
				_, _ = r.Start(id)
				return id
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name: "terminal task",
			setup: func(r *Registry) string {
				id := r.Create(1, nil)
				_, _, _ = r.Cancel(id)
				return id
			},
			wantErr: ErrTaskTerminal,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				r, _ := newTestRegistry()
				id := tt.setup(r)

				task, err := r.Start(id)
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				if tt.wantErr != nil {
					return
				}
				if task.Status != types.StatusPreparing {
					t.Errorf("Expected status preparing, got %s", task.Status)
				}
				if task.StartedAt == nil {
					t.Error("Expected StartedAt to be set")
				}
			},
		)
	}
}

func TestUpdateProgressClampsStageProgress(t *testing.T) {
	tests := []struct {
		name  string
		input float64
		want  float64
	}{
		{"negative", -25, 0},
		{"zero", 0, 0},
		{"middle", 42.5, 42.5},
		{"hundred", 100, 100},
		{"overflow", 250, 100},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				r, _ := newTestRegistry()
				id := r.Create(1, nil)

				task, err := r.UpdateProgress(id, ProgressUpdate{Stage: types.StageMasking, StageProgress: tt.input})
				if err != nil {
					t.Fatalf("Failed to update progress: %v", err)
				}
				if task.StageProgress != tt.want {
					t.Errorf("Expected stage progress %.1f, got %.1f", tt.want, task.StageProgress)
				}
				if task.OverallProgress < 5 || task.OverallProgress > 15 {
					t.Errorf("Expected masking overall progress within [5,15], got %.2f", task.OverallProgress)
				}
			},
		)
	}
}

func TestUpdateProgressClampsCurrentUnit(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create(3, nil)

	task, err := r.UpdateProgress(
		id, ProgressUpdate{Stage: types.StageInpainting, CurrentUnit: intPtr(9)},
	)
	if err != nil {
		t.Fatalf("Failed to update progress: %v", err)
	}
	if task.CurrentUnit != 3 {
		t.Errorf("Expected current unit clamped to 3, got %d", task.CurrentUnit)
	}

	task, _ = r.UpdateProgress(id, ProgressUpdate{Stage: types.StageInpainting, CurrentUnit: intPtr(-2)})
	if task.CurrentUnit != 0 {
		t.Errorf("Expected current unit clamped to 0, got %d", task.CurrentUnit)
	}
}

func TestUpdateProgressSetsStatusAndMessage(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create(2, nil)
	_, _ = r.Start(id)

	task, _ := r.UpdateProgress(id, ProgressUpdate{Stage: types.StagePreparing, StageProgress: 50})
	if task.Status != types.StatusPreparing {
		t.Errorf("Expected preparing status, got %s", task.Status)
	}

	task, _ = r.UpdateProgress(
		id, ProgressUpdate{Stage: types.StageMasking, StageProgress: 10, Message: strPtr("normalising regions")},
	)
	if task.Status != types.StatusProcessing {
		t.Errorf("Expected processing status, got %s", task.Status)
	}
	if task.Message != "normalising regions" {
		t.Errorf("Expected message to be updated, got %q", task.Message)
	}

	task, _ = r.UpdateProgress(id, ProgressUpdate{Stage: types.StageMasking, StageProgress: 20})
	if task.Message != "normalising regions" {
		t.Errorf("Expected nil message to keep previous value, got %q", task.Message)
	}
}

func TestUpdateProgressRejectsInvalid(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create(1, nil)

	if _, err := r.UpdateProgress(id, ProgressUpdate{Stage: "rendering"}); !errors.Is(err, ErrInvalidStage) {
		t.Errorf("Expected ErrInvalidStage, got %v", err)
	}
	if _, err := r.UpdateProgress("missing", ProgressUpdate{Stage: types.StageMasking}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}

	_, _, _ = r.Fail(id, "boom")
	if _, err := r.UpdateProgress(id, ProgressUpdate{Stage: types.StageMasking}); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("Expected ErrTaskTerminal, got %v", err)
	}
}

func TestInpaintingProgressIsMonotonic(t *testing.T) {
	r, _ := newTestRegistry()
	const total = 5
	id := r.Create(total, nil)

	last := -1.0
	for unit := 0; unit < total; unit++ {
		for _, pct := range []float64{0, 25, 50, 75, 100} {
			task, err := r.UpdateProgress(
				id, ProgressUpdate{Stage: types.StageInpainting, StageProgress: pct, CurrentUnit: intPtr(unit)},
			)
			if err != nil {
				t.Fatalf("Failed to update progress: %v", err)
			}
			if task.OverallProgress < last {
				t.Fatalf("Progress regressed at unit %d pct %.0f: %.2f < %.2f", unit, pct, task.OverallProgress, last)
			}
			if task.OverallProgress < 15 || task.OverallProgress > 90 {
				t.Fatalf("Expected inpainting progress within [15,90], got %.2f", task.OverallProgress)
			}
			last = task.OverallProgress
		}
	}
}

func TestOutOfOrderUnitsDoNotRegress(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create(4, nil)

	high, _ := r.UpdateProgress(
		id, ProgressUpdate{Stage: types.StageInpainting, StageProgress: 50, CurrentUnit: intPtr(3)},
	)
	low, _ := r.UpdateProgress(
		id, ProgressUpdate{Stage: types.StageInpainting, StageProgress: 10, CurrentUnit: intPtr(1)},
	)

	if low.OverallProgress != high.OverallProgress {
		t.Errorf("Expected progress to stay at %.2f, got %.2f", high.OverallProgress, low.OverallProgress)
	}
	if low.CurrentUnit != 1 {
		t.Errorf("Expected current unit to reflect the latest report, got %d", low.CurrentUnit)
	}
}

func TestOverallProgress(t *testing.T) {
	tests := []struct {
		name      string
		stage     types.Stage
		pct       float64
		completed int
		total     int
		want      float64
	}{
		{"preparing start", types.StagePreparing, 0, 0, 3, 0},
		{"preparing done", types.StagePreparing, 100, 0, 3, 5},
		{"masking half", types.StageMasking, 50, 0, 3, 10},
		{"inpainting first unit start", types.StageInpainting, 0, 0, 3, 15},
		{"inpainting first unit half", types.StageInpainting, 50, 0, 3, 27.5},
		{"inpainting second unit start", types.StageInpainting, 0, 1, 3, 40},
		{"inpainting all units", types.StageInpainting, 0, 3, 3, 90},
		{"inpainting no units", types.StageInpainting, 50, 0, 0, 52.5},
		{"finalizing done", types.StageFinalizing, 100, 3, 3, 100},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := OverallProgress(tt.stage, tt.pct, tt.completed, tt.total)
				if math.Abs(got-tt.want) > 1e-9 {
					t.Errorf("Expected %.2f, got %.2f", tt.want, got)
				}
			},
		)
	}
}

func TestTerminalOperationsAreNoOps(t *testing.T) {
	ops := map[string]func(r *Registry, id string) (types.Task, bool, error){
		"complete": func(r *Registry, id string) (types.Task, bool, error) { return r.Complete(id, "other") },
		"fail":     func(r *Registry, id string) (types.Task, bool, error) { return r.Fail(id, "late failure") },
		"cancel":   func(r *Registry, id string) (types.Task, bool, error) { return r.Cancel(id) },
	}
	terminators := map[string]func(r *Registry, id string){
		"completed": func(r *Registry, id string) { _, _, _ = r.Complete(id, "result.png") },
		"failed":    func(r *Registry, id string) { _, _, _ = r.Fail(id, "boom") },
		"cancelled": func(r *Registry, id string) { _, _, _ = r.Cancel(id) },
	}

	for termName, terminate := range terminators {
		for opName, op := range ops {
			t.Run(
				fmt.Sprintf("%s then %s", opName, termName), func(t *testing.T) {
					r, clock := newTestRegistry()
					id := r.Create(2, nil)
					_, _ = r.Start(id)
					terminate(r, id)
					before, _ := r.Get(id)

					clock.Advance(time.Minute)
					_, changed, err := op(r, id)
					if err != nil {
						t.Fatalf("Expected no error, got %v", err)
					}
					if changed {
						t.Error("Expected no-op on terminal task")
					}

					after, _ := r.Get(id)
					if after.Status != before.Status ||
						after.Result != before.Result ||
						after.ErrorMessage != before.ErrorMessage ||
						!after.CompletedAt.Equal(*before.CompletedAt) {
						t.Errorf("Expected terminal task unchanged, before %+v after %+v", before, after)
					}
				},
			)
		}
	}
}

func TestCompleteSetsFullProgress(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create(3, nil)
	_, _ = r.Start(id)

	task, changed, err := r.Complete(id, "results/abc.png")
	if err != nil || !changed {
		t.Fatalf("Expected completion, got changed=%v err=%v", changed, err)
	}
	if task.OverallProgress != 100 {
		t.Errorf("Expected progress 100, got %.2f", task.OverallProgress)
	}
	if task.CurrentUnit != 3 {
		t.Errorf("Expected current unit 3, got %d", task.CurrentUnit)
	}
	if task.Result != "results/abc.png" {
		t.Errorf("Expected result reference, got %q", task.Result)
	}
	if task.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	r, _ := newTestRegistry()
	if _, _, err := r.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestEstimatedRemaining(t *testing.T) {
	r, clock := newTestRegistry()
	id := r.Create(1, nil)

	task, _ := r.Get(id)
	if _, ok := task.EstimatedRemaining(clock.Now()); ok {
		t.Error("Expected no ETA before start")
	}

	_, _ = r.Start(id)
	clock.Advance(10 * time.Second)
	task, _ = r.Get(id)
	if _, ok := task.EstimatedRemaining(clock.Now()); ok {
		t.Error("Expected no ETA at zero progress")
	}

	_, _ = r.UpdateProgress(id, ProgressUpdate{Stage: types.StageInpainting, StageProgress: 0, CurrentUnit: intPtr(0)})
	task, _ = r.UpdateProgress(id, ProgressUpdate{Stage: types.StageFinalizing, StageProgress: 0})
	eta, ok := task.EstimatedRemaining(clock.Now())
	if !ok {
		t.Fatal("Expected ETA once progress is positive")
	}
	// 10s elapsed at 90% leaves 10*(100/90-1) seconds
	want := 10 * (100.0/90.0 - 1)
	if math.Abs(eta.Seconds()-want) > 0.01 {
		t.Errorf("Expected ETA %.3fs, got %.3fs", want, eta.Seconds())
	}

	task, _, _ = r.Complete(id, "")
	eta, ok = task.EstimatedRemaining(clock.Now())
	if !ok || eta != 0 {
		t.Errorf("Expected ETA 0 at completion, got %v (ok=%v)", eta, ok)
	}
}

func TestPruneTerminal(t *testing.T) {
	r, clock := newTestRegistry()

	done := r.Create(1, nil)
	_, _, _ = r.Complete(done, "")
	running := r.Create(1, nil)
	_, _ = r.Start(running)

	clock.Advance(2 * time.Hour)
	recent := r.Create(1, nil)
	_, _, _ = r.Fail(recent, "x")

	removed := r.PruneTerminal(time.Hour)
	if len(removed) != 1 || removed[0] != done {
		t.Fatalf("Expected only %s pruned, got %v", done, removed)
	}
	if _, ok := r.Get(running); !ok {
		t.Error("Expected running task to survive pruning")
	}
	if _, ok := r.Get(recent); !ok {
		t.Error("Expected recently finished task to survive pruning")
	}
}

func TestOverdue(t *testing.T) {
	r, clock := newTestRegistry()

	old := r.Create(1, nil)
	finished := r.Create(1, nil)
	_, _, _ = r.Complete(finished, "")

	clock.Advance(30 * time.Minute)
	_ = r.Create(1, nil)

	overdue := r.Overdue(10 * time.Minute)
	if len(overdue) != 1 || overdue[0].TaskID != old {
		t.Errorf("Expected only %s overdue, got %+v", old, overdue)
	}
}

func TestListAndStats(t *testing.T) {
	r, clock := newTestRegistry()

	first := r.Create(1, nil)
	clock.Advance(time.Second)
	second := r.Create(1, nil)
	_, _, _ = r.Cancel(second)

	list := r.List()
	if len(list) != 2 || list[0].TaskID != first || list[1].TaskID != second {
		t.Errorf("Expected tasks ordered by creation, got %+v", list)
	}

	stats := r.Stats()
	if stats[types.StatusPending] != 1 || stats[types.StatusCancelled] != 1 {
		t.Errorf("Unexpected stats: %v", stats)
	}

	if !r.Remove(first) {
		t.Error("Expected Remove to report success")
	}
	if r.Remove(first) {
		t.Error("Expected second Remove to report false")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	r, _ := newTestRegistry()
	const workers = 10

	ids := make([]string, workers)
	for i := range ids {
		ids[i] = r.Create(10, nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for unit := 0; unit < 10; unit++ {
				_, _ = r.UpdateProgress(
					id, ProgressUpdate{Stage: types.StageInpainting, StageProgress: 50, CurrentUnit: intPtr(unit)},
				)
				_ = r.List()
			}
			_, _, _ = r.Complete(id, "")
		}(ids[i])
	}
	wg.Wait()

	for _, id := range ids {
		task, _ := r.Get(id)
		if task.Status != types.StatusCompleted {
			t.Errorf("Expected task %s completed, got %s", id, task.Status)
		}
	}
}
