package types

import "time"

// ErrorReason is the specific classified cause of a failure
type ErrorReason string

const (
	ReasonNetworkTimeout     ErrorReason = "network_timeout"
	ReasonConnectionRefused  ErrorReason = "connection_refused"
	ReasonProcessingTimeout  ErrorReason = "processing_timeout"
	ReasonMemoryExhausted    ErrorReason = "memory_exhausted"
	ReasonGPUMemoryExhausted ErrorReason = "gpu_memory_exhausted"
	ReasonServiceCrashed     ErrorReason = "service_crashed"
	ReasonModelLoadFailed    ErrorReason = "model_load_failed"
	ReasonOversizedInput     ErrorReason = "oversized_input"
	ReasonTooManyUnits       ErrorReason = "too_many_units"
	ReasonInvalidRequest     ErrorReason = "invalid_request"
	ReasonPermissionDenied   ErrorReason = "permission_denied"
	ReasonDiskFull           ErrorReason = "disk_full"
	ReasonUnknown            ErrorReason = "unknown"
)

// ErrorCategory groups reasons that share a retry strategy
type ErrorCategory string

const (
	CategoryConnection ErrorCategory = "connection"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryResource   ErrorCategory = "resource"
	CategoryService    ErrorCategory = "service"
	CategoryInput      ErrorCategory = "input"
	CategoryUnknown    ErrorCategory = "unknown"
)

// DiagnosticResult is the structured explanation of one failure
type DiagnosticResult struct {
	Reason          ErrorReason   `json:"reason"`
	Category        ErrorCategory `json:"category"`
	Confidence      float64       `json:"confidence"`
	Description     string        `json:"description"`
	Suggestions     []string      `json:"suggestions,omitempty"`
	Retryable       bool          `json:"retryable"`
	ReduceParams    bool          `json:"reduce_params"`
	TechnicalDetail string        `json:"technical_detail,omitempty"`
	Rationale       []string      `json:"rationale,omitempty"`
}

// RetryStrategy names how an attempt was scheduled
type RetryStrategy string

const (
	StrategyImmediate          RetryStrategy = "immediate"
	StrategyExponentialBackoff RetryStrategy = "exponential_backoff"
	StrategyLinearBackoff      RetryStrategy = "linear_backoff"
	StrategyParameterReduction RetryStrategy = "parameter_reduction"
)

// RetryAttempt is the audit record of one retried execution
type RetryAttempt struct {
	TaskID    string           `json:"task_id"`
	Attempt   int              `json:"attempt"`
	Timestamp time.Time        `json:"timestamp"`
	Strategy  RetryStrategy    `json:"strategy"`
	Reason    ErrorReason      `json:"reason"`
	Params    ProcessingParams `json:"params"`
	Delay     time.Duration    `json:"delay"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Duration  time.Duration    `json:"duration"`
}
