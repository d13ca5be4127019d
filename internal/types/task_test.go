package types

import (
	"testing"
	"time"
)

func TestStageRangesCoverProgress(t *testing.T) {
	var next float64
	for _, stage := range Stages() {
		r := stage.Range()
		if r.Start != next {
			t.Errorf("Stage %s starts at %v, expected %v", stage, r.Start, next)
		}
		if r.Width() <= 0 {
			t.Errorf("Stage %s has an empty range", stage)
		}
		next = r.End
	}
	if next != 100 {
		t.Errorf("Expected stages to end at 100, got %v", next)
	}

	if Stage("upscaling").Valid() {
		t.Error("Expected unknown stage to be invalid")
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusPreparing, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusError, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(
			string(tt.status), func(t *testing.T) {
				if got := tt.status.IsTerminal(); got != tt.want {
					t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
				}
			},
		)
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	started := time.Now()
	task := Task{TaskID: "t", StartedAt: &started, Metadata: map[string]string{"user": "1"}}

	c := task.Clone()
	c.Metadata["user"] = "2"
	*c.StartedAt = started.Add(time.Hour)

	if task.Metadata["user"] != "1" {
		t.Error("Expected metadata to be copied")
	}
	if !task.StartedAt.Equal(started) {
		t.Error("Expected StartedAt to be copied")
	}
}

func TestTask_EstimatedRemaining(t *testing.T) {
	now := time.Now()
	started := now.Add(-30 * time.Second)

	tests := []struct {
		name   string
		task   Task
		want   time.Duration
		wantOK bool
	}{
		{name: "not started", task: Task{OverallProgress: 50}},
		{name: "no progress", task: Task{StartedAt: &started}},
		{name: "quarter done", task: Task{StartedAt: &started, OverallProgress: 25}, want: 90 * time.Second, wantOK: true},
		{name: "finished", task: Task{StartedAt: &started, OverallProgress: 100}, want: 0, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, ok := tt.task.EstimatedRemaining(now)
				if ok != tt.wantOK {
					t.Fatalf("EstimatedRemaining() ok = %v, want %v", ok, tt.wantOK)
				}
				if got.Round(time.Millisecond) != tt.want {
					t.Errorf("EstimatedRemaining() = %v, want %v", got, tt.want)
				}
			},
		)
	}
}

func TestTask_ElapsedStopsAtCompletion(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	completed := started.Add(10 * time.Second)
	task := Task{StartedAt: &started, CompletedAt: &completed}

	if got := task.Elapsed(time.Now()); got != 10*time.Second {
		t.Errorf("Expected 10s, got %v", got)
	}
}

func TestFormatMemory(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0"},
		{"bytes", 512, "512"},
		{"Ki", 2048, "2Ki"},
		{"Mi", 256 * 1024 * 1024, "256Mi"},
		{"Gi", 2 * 1024 * 1024 * 1024, "2.0Gi"},
		{"Ti", 1024 * 1024 * 1024 * 1024, "1.0Ti"},
		{"negative", -3 * 1024 * 1024, "-3Mi"},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := FormatMemory(tt.bytes)
				if got != tt.want {
					t.Errorf("FormatMemory() = %v, want %v", got, tt.want)
				}
			},
		)
	}
}
