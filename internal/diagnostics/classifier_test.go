package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/danpasecinic/inpaintd/internal/types"
)

type kindError struct {
	kind string
	msg  string
}

func (e *kindError) Error() string     { return e.msg }
func (e *kindError) ErrorKind() string { return e.kind }

func TestClassifyKnownErrors(t *testing.T) {
	refused := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED},
	}

	tests := []struct {
		name         string
		err          error
		wantReason   types.ErrorReason
		wantCategory types.ErrorCategory
		retryable    bool
	}{
		{
			name:         "connection refused",
			err:          fmt.Errorf("post backend: %w", refused),
			wantReason:   types.ReasonConnectionRefused,
			wantCategory: types.CategoryConnection,
			retryable:    true,
		},
		{
			name:         "context deadline",
			err:          fmt.Errorf("inpaint unit 2: %w", context.DeadlineExceeded),
			wantReason:   types.ReasonProcessingTimeout,
			wantCategory: types.CategoryTimeout,
			retryable:    true,
		},
		{
			name:         "cuda oom text",
			err:          errors.New("RuntimeError: CUDA out of memory. Tried to allocate 2.00 GiB"),
			wantReason:   types.ReasonGPUMemoryExhausted,
			wantCategory: types.CategoryResource,
			retryable:    true,
		},
		{
			name:         "typed backend oom",
			err:          &kindError{kind: "oom", msg: "worker killed"},
			wantReason:   types.ReasonMemoryExhausted,
			wantCategory: types.CategoryResource,
			retryable:    true,
		},
		{
			name:         "typed backend crash",
			err:          &kindError{kind: "crashed", msg: "backend returned 502"},
			wantReason:   types.ReasonServiceCrashed,
			wantCategory: types.CategoryService,
			retryable:    true,
		},
		{
			name:         "payload too large",
			err:          &kindError{kind: "payload_too_large", msg: "request entity too large"},
			wantReason:   types.ReasonOversizedInput,
			wantCategory: types.CategoryInput,
			retryable:    true,
		},
		{
			name:         "permission denied",
			err:          fmt.Errorf("open /results/out.png: %w", os.ErrPermission),
			wantReason:   types.ReasonPermissionDenied,
			wantCategory: types.CategoryService,
			retryable:    false,
		},
		{
			name:         "disk full",
			err:          fmt.Errorf("write result: %w", syscall.ENOSPC),
			wantReason:   types.ReasonDiskFull,
			wantCategory: types.CategoryResource,
			retryable:    false,
		},
		{
			name:         "invalid request",
			err:          &kindError{kind: "bad_request", msg: "invalid mask: malformed region"},
			wantReason:   types.ReasonInvalidRequest,
			wantCategory: types.CategoryInput,
			retryable:    false,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				c := New()
				got := c.Classify(tt.err, Context{})

				if got.Reason != tt.wantReason {
					t.Errorf("Expected reason %s, got %s (rationale %v)", tt.wantReason, got.Reason, got.Rationale)
				}
				if got.Category != tt.wantCategory {
					t.Errorf("Expected category %s, got %s", tt.wantCategory, got.Category)
				}
				if got.Retryable != tt.retryable {
					t.Errorf("Expected retryable=%v, got %v", tt.retryable, got.Retryable)
				}
				if got.Confidence < minConfidence || got.Confidence > 1 {
					t.Errorf("Expected confident diagnosis, got %.2f", got.Confidence)
				}
				if got.Description == "" || len(got.Suggestions) == 0 {
					t.Error("Expected description and suggestions")
				}
				if got.TechnicalDetail != tt.err.Error() {
					t.Errorf("Expected technical detail %q, got %q", tt.err.Error(), got.TechnicalDetail)
				}
			},
		)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	errs := []error{
		errors.New("CUDA out of memory"),
		errors.New("dial tcp 10.0.0.4:8080: connect: connection refused"),
		fmt.Errorf("call: %w", context.DeadlineExceeded),
		errors.New("something odd happened"),
	}

	for _, err := range errs {
		first := New().Classify(err, Context{})
		for i := 0; i < 5; i++ {
			// Context never changes the reason, only the confidence
			cctx := Context{Megapixels: float64(i * 5), UnitCount: i * 10, MemoryPercent: float64(80 + i*5), OOMKilled: i%2 == 0}
			got := New().Classify(err, cctx)
			if got.Reason != first.Reason || got.Category != first.Category {
				t.Errorf(
					"%q: expected (%s, %s), got (%s, %s)", err, first.Reason, first.Category, got.Reason, got.Category,
				)
			}
		}
	}
}

func TestConfidenceGrowsWithCorroboration(t *testing.T) {
	err := errors.New("worker ran out of memory")
	contexts := []Context{
		{},
		{Megapixels: 6},
		{Megapixels: 20},
		{Megapixels: 20, UnitCount: 30},
		{Megapixels: 20, UnitCount: 30, MemoryPercent: 95},
		{Megapixels: 20, UnitCount: 30, MemoryPercent: 95, OOMKilled: true},
	}

	last := -1.0
	for i, cctx := range contexts {
		got := New().Classify(err, cctx)
		if got.Reason != types.ReasonMemoryExhausted {
			t.Fatalf("Expected memory_exhausted, got %s", got.Reason)
		}
		if got.Confidence < last {
			t.Errorf("Context %d: confidence dropped from %.2f to %.2f", i, last, got.Confidence)
		}
		last = got.Confidence
	}
	if last <= New().Classify(err, Context{}).Confidence {
		t.Error("Expected corroborating context to raise confidence")
	}
}

func TestFallbackAndUnknown(t *testing.T) {
	c := New()

	got := c.Classify(errors.New("backend crashlooped twice"), Context{})
	if got.Reason != types.ReasonServiceCrashed {
		t.Errorf("Expected fallback to service_crashed, got %s", got.Reason)
	}
	if got.Confidence != fallbackConfidence {
		t.Errorf("Expected fallback confidence %.1f, got %.2f", fallbackConfidence, got.Confidence)
	}

	got = c.Classify(errors.New("flux capacitor misaligned"), Context{})
	if got.Reason != types.ReasonUnknown || got.Category != types.CategoryUnknown {
		t.Errorf("Expected unknown, got %s/%s", got.Reason, got.Category)
	}
	if got.Confidence != unknownConfidence {
		t.Errorf("Expected unknown confidence %.1f, got %.2f", unknownConfidence, got.Confidence)
	}
	if !got.Retryable {
		t.Error("Expected unknown failures to be retryable")
	}
}

func TestClassifyNil(t *testing.T) {
	got := New().Classify(nil, Context{})
	if got.Reason != types.ReasonUnknown || got.Confidence != 0 {
		t.Errorf("Expected zero-confidence unknown, got %+v", got)
	}
}

func TestHistoricalBoost(t *testing.T) {
	c := New()

	var confidences []float64
	for i := 1; i <= 6; i++ {
		// digits differ but normalize to the same signature
		err := fmt.Errorf("CUDA out of memory on device %d", i)
		confidences = append(confidences, c.Classify(err, Context{}).Confidence)
	}

	if confidences[1] != confidences[0] {
		t.Errorf("Expected no boost before the third occurrence, got %v", confidences)
	}
	if confidences[2] <= confidences[1] {
		t.Errorf("Expected boost at the third occurrence, got %v", confidences)
	}
	if confidences[5] <= confidences[4] {
		t.Errorf("Expected larger boost at the sixth occurrence, got %v", confidences)
	}
}

func TestHistoryIsCapped(t *testing.T) {
	c := New(WithHistorySize(3))
	for i := 0; i < 5; i++ {
		c.Classify(fmt.Errorf("error %d", i), Context{})
	}

	history := c.History()
	if len(history) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Error("Expected history oldest first")
		}
	}
}

func TestFrequencyTableIsCapped(t *testing.T) {
	c := New(WithFrequencySize(2))
	c.Classify(errors.New("alpha failure"), Context{})
	c.Classify(errors.New("beta failure"), Context{})
	c.Classify(errors.New("gamma failure"), Context{})

	if c.frequency.Len() != 2 {
		t.Errorf("Expected 2 remembered signatures, got %d", c.frequency.Len())
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Tried to allocate 2.00 GiB", "tried to allocate ## gib"},
		{"dial tcp 10.0.0.4:8080: refused", "dial tcp ##### refused"},
		{"  spaced\tout  ", "spaced out"},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReasonCounts(t *testing.T) {
	c := New()
	c.now = func() time.Time { return time.Unix(0, 0) }
	c.Classify(errors.New("CUDA out of memory"), Context{})
	c.Classify(errors.New("CUDA out of memory"), Context{})
	c.Classify(errors.New("flux"), Context{})

	counts := c.ReasonCounts()
	if counts[types.ReasonGPUMemoryExhausted] != 2 || counts[types.ReasonUnknown] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}
