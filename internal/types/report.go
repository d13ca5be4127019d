package types

import "time"

// RiskLevel grades a preflight finding
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Severity orders risk levels, higher is worse
func (r RiskLevel) Severity() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is as severe as other or worse
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Severity() >= other.Severity()
}

// ValidationResult is the outcome of one preflight check
type ValidationResult struct {
	Check          string    `json:"check"`
	Risk           RiskLevel `json:"risk"`
	Message        string    `json:"message"`
	Confidence     float64   `json:"confidence"`
	Recommendation string    `json:"recommendation,omitempty"`
}

// ResourceEstimate is the predicted cost of running a job
type ResourceEstimate struct {
	MemoryBytes int64         `json:"memory_bytes"`
	Duration    time.Duration `json:"duration"`
}

// PreprocessingReport is the preflight verdict for one submission
type PreprocessingReport struct {
	OverallRisk     RiskLevel          `json:"overall_risk"`
	Score           float64            `json:"score"`
	Results         []ValidationResult `json:"results"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Adjustments     ParamsPatch        `json:"adjustments"`
	ShouldProceed   bool               `json:"should_proceed"`
	Estimated       ResourceEstimate   `json:"estimated"`
}

// Count returns how many results carry the given risk
func (r PreprocessingReport) Count(level RiskLevel) int {
	n := 0
	for _, res := range r.Results {
		if res.Risk == level {
			n++
		}
	}
	return n
}

// ResourceSnapshot is one immutable sample of resource usage
type ResourceSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	MemoryUsed     int64     `json:"memory_used"`
	MemoryTotal    int64     `json:"memory_total"`
	MemoryPercent  float64   `json:"memory_percent"`
	CPUPercent     float64   `json:"cpu_percent"`
	GPUMemoryUsed  *int64    `json:"gpu_memory_used,omitempty"`
	DiskReadBytes  *uint64   `json:"disk_read_bytes,omitempty"`
	DiskWriteBytes *uint64   `json:"disk_write_bytes,omitempty"`
}

// PhaseTiming records how long a pipeline phase took and what it cost
type PhaseTiming struct {
	Name        string        `json:"name"`
	Duration    time.Duration `json:"duration"`
	MemoryDelta int64         `json:"memory_delta"`
}

// ProcessingMetrics aggregates all snapshots taken during one job
type ProcessingMetrics struct {
	TaskID          string        `json:"task_id"`
	Samples         int           `json:"samples"`
	PeakMemory      int64         `json:"peak_memory"`
	AvgCPU          float64       `json:"avg_cpu"`
	MemoryGrowth    int64         `json:"memory_growth"`
	PeakGPUMemory   int64         `json:"peak_gpu_memory,omitempty"`
	Phases          []PhaseTiming `json:"phases,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	EfficiencyScore float64       `json:"efficiency_score"`
	Duration        time.Duration `json:"duration"`
}
