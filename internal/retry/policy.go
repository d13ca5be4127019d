package retry

import (
	"math"
	"time"

	"github.com/danpasecinic/inpaintd/internal/types"
)

// Policy bounds how a failure with a given reason is retried
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	ReduceParams   bool
	AttemptTimeout time.Duration
}

const defaultAttemptTimeout = 5 * time.Minute

// DefaultPolicies returns the built-in policy table
func DefaultPolicies() map[types.ErrorReason]Policy {
	return map[types.ErrorReason]Policy{
		types.ReasonNetworkTimeout: {
			MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2,
			AttemptTimeout: 2 * time.Minute,
		},
		types.ReasonConnectionRefused: {
			MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2,
			AttemptTimeout: 2 * time.Minute,
		},
		types.ReasonProcessingTimeout: {
			MaxAttempts: 3, MaxDelay: 5 * time.Second, Multiplier: 1, ReduceParams: true,
			AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonMemoryExhausted: {
			MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 1,
			ReduceParams: true, AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonGPUMemoryExhausted: {
			MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 1,
			ReduceParams: true, AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonServiceCrashed: {
			MaxAttempts: 1, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 1,
			AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonModelLoadFailed: {
			MaxAttempts: 1, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 1,
			AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonOversizedInput: {
			MaxAttempts: 2, MaxDelay: time.Second, Multiplier: 1, ReduceParams: true,
			AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonTooManyUnits: {
			MaxAttempts: 2, MaxDelay: time.Second, Multiplier: 1, ReduceParams: true,
			AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonUnknown: {
			MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2,
			AttemptTimeout: defaultAttemptTimeout,
		},
		types.ReasonInvalidRequest:   {},
		types.ReasonPermissionDenied: {},
		types.ReasonDiskFull:         {},
	}
}

// strategyFor picks the strategy for the nth retry (1-based) of a failure in
// the given category
func strategyFor(category types.ErrorCategory, n int) types.RetryStrategy {
	switch category {
	case types.CategoryConnection:
		return types.StrategyExponentialBackoff
	case types.CategoryTimeout:
		if n == 1 {
			return types.StrategyImmediate
		}
		return types.StrategyParameterReduction
	case types.CategoryResource, types.CategoryInput:
		return types.StrategyParameterReduction
	case types.CategoryService:
		return types.StrategyLinearBackoff
	default:
		if n == 1 {
			return types.StrategyImmediate
		}
		return types.StrategyExponentialBackoff
	}
}

// delayFor computes the wait before the nth retry
func delayFor(strategy types.RetryStrategy, p Policy, n int) time.Duration {
	var d time.Duration
	switch strategy {
	case types.StrategyImmediate:
		return 0
	case types.StrategyExponentialBackoff:
		mult := p.Multiplier
		if mult < 1 {
			mult = 1
		}
		d = time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(n-1)))
	case types.StrategyLinearBackoff:
		d = p.BaseDelay * time.Duration(n)
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
