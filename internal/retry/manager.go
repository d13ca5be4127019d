package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

var (
	ErrNotRetryable      = errors.New("failure is not retryable")
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	ErrAttemptTimedOut   = errors.New("attempt exceeded its timeout")
)

const (
	minPatternsForBest    = 3
	defaultPatternsPerKey = 20
	defaultHistoryTasks   = 1024
)

// Operation is one retryable unit of work run with the parameters chosen for
// the attempt
type Operation func(ctx context.Context, params types.ProcessingParams) (any, error)

// Outcome is the result of Execute
type Outcome struct {
	Success   bool
	Value     any
	Attempts  []types.RetryAttempt
	Params    types.ProcessingParams
	Diagnosis types.DiagnosticResult
	Err       error
}

// Manager retries failed operations according to per-reason policies and
// learns which parameters succeed for each failure reason
type Manager struct {
	mu       sync.RWMutex
	policies map[types.ErrorReason]Policy
	patterns *lru.Cache[types.ErrorReason, []types.ProcessingParams]
	history  *lru.Cache[string, []types.RetryAttempt]
	logger   *zap.Logger

	patternsPerReason int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager
type Option func(*Manager)

// WithPolicy overrides the policy for one reason
func WithPolicy(reason types.ErrorReason, p Policy) Option {
	return func(m *Manager) {
		m.policies[reason] = p
	}
}

// WithHistorySize caps the number of tasks whose attempts are remembered
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.history, _ = lru.New[string, []types.RetryAttempt](n)
		}
	}
}

// WithPatternsPerReason caps the success patterns kept for each reason
func WithPatternsPerReason(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.patternsPerReason = n
		}
	}
}

// NewManager creates a retry manager with the default policy table
func NewManager(log *zap.Logger, opts ...Option) *Manager {
	patterns, _ := lru.New[types.ErrorReason, []types.ProcessingParams](64)
	history, _ := lru.New[string, []types.RetryAttempt](defaultHistoryTasks)

	m := &Manager{
		policies:          DefaultPolicies(),
		patterns:          patterns,
		history:           history,
		logger:            logger.OrNop(log).With(zap.String("component", "retry")),
		patternsPerReason: defaultPatternsPerKey,
		now:               time.Now,
		sleep:             sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the policy applied to a reason
func (m *Manager) Policy(reason types.ErrorReason) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.policies[reason]; ok {
		return p
	}
	return m.policies[types.ReasonUnknown]
}

// CallOption adjusts a single Execute call
type CallOption func(*call)

type call struct {
	rediagnose    func(err error, elapsed time.Duration) types.DiagnosticResult
	beforeAttempt func(ctx context.Context, attempt int, diag types.DiagnosticResult) error
}

// WithRediagnosis classifies every failed attempt. A non-retryable
// re-diagnosis ends the retries.
func WithRediagnosis(fn func(err error, elapsed time.Duration) types.DiagnosticResult) CallOption {
	return func(c *call) {
		c.rediagnose = fn
	}
}

// WithBeforeAttempt runs fn after the backoff and before each attempt. An
// error from fn is logged and does not stop the attempt.
func WithBeforeAttempt(fn func(ctx context.Context, attempt int, diag types.DiagnosticResult) error) CallOption {
	return func(c *call) {
		c.beforeAttempt = fn
	}
}

// Execute retries op after a failure diagnosed as diag. It returns as soon as
// an attempt succeeds, the policy's attempts are exhausted, a non-retryable
// failure is seen, or ctx is done.
func (m *Manager) Execute(
	ctx context.Context, taskID string, diag types.DiagnosticResult, params types.ProcessingParams, op Operation,
	opts ...CallOption,
) Outcome {
	var c call
	for _, opt := range opts {
		opt(&c)
	}

	log := m.logger.With(zap.String("task_id", taskID))
	out := Outcome{Params: params, Diagnosis: diag}

	if !diag.Retryable {
		out.Err = fmt.Errorf("%w: %s", ErrNotRetryable, diag.Reason)
		return out
	}

	current := params

	// the attempt budget tracks the latest diagnosis
	for n := 1; ; n++ {
		attemptPolicy := m.Policy(diag.Reason)
		if n > attemptPolicy.MaxAttempts {
			break
		}
		strategy := strategyFor(diag.Category, n)
		if strategy == types.StrategyParameterReduction {
			if !attemptPolicy.ReduceParams {
				strategy = types.StrategyLinearBackoff
			} else if best, ok := m.BestKnown(diag.Reason); ok && n == 1 {
				current = mergeBest(current, best)
			} else {
				current = Reduce(current, diag.Reason)
			}
		}
		delay := delayFor(strategy, attemptPolicy, n)

		if delay > 0 {
			if err := m.sleep(ctx, delay); err != nil {
				out.Err = err
				break
			}
		}

		if c.beforeAttempt != nil {
			if err := c.beforeAttempt(ctx, n, diag); err != nil {
				log.Warn("before-attempt hook failed", zap.Int("attempt", n), zap.Error(err))
			}
		}

		timeout := attemptPolicy.AttemptTimeout
		if timeout <= 0 {
			timeout = defaultAttemptTimeout
		}

		started := m.now()
		value, err := runAttempt(ctx, timeout, current, op)
		duration := m.now().Sub(started)

		attempt := types.RetryAttempt{
			TaskID:    taskID,
			Attempt:   n,
			Timestamp: started,
			Strategy:  strategy,
			Reason:    diag.Reason,
			Params:    current,
			Delay:     delay,
			Success:   err == nil,
			Duration:  duration,
		}
		if err != nil {
			attempt.Error = err.Error()
		}
		out.Attempts = append(out.Attempts, attempt)
		out.Params = current

		if err == nil {
			log.Info(
				"retry succeeded",
				zap.Int("attempt", n),
				zap.String("strategy", string(strategy)),
				zap.String("reason", string(diag.Reason)),
			)
			m.recordSuccess(diag.Reason, current)
			out.Success = true
			out.Value = value
			out.Err = nil
			break
		}

		log.Warn(
			"retry attempt failed",
			zap.Int("attempt", n),
			zap.Int("max_attempts", attemptPolicy.MaxAttempts),
			zap.String("strategy", string(strategy)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		out.Err = err

		if ctx.Err() != nil {
			out.Err = ctx.Err()
			break
		}

		if c.rediagnose != nil {
			diag = c.rediagnose(err, duration)
			out.Diagnosis = diag
			if !diag.Retryable {
				out.Err = fmt.Errorf("%w: %s: %w", ErrNotRetryable, diag.Reason, err)
				break
			}
		}
	}

	switch {
	case out.Success:
	case out.Err == nil:
		out.Err = ErrAttemptsExhausted
	case !errors.Is(out.Err, ErrNotRetryable) && ctx.Err() == nil:
		out.Err = fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, len(out.Attempts), out.Err)
	}

	m.appendHistory(taskID, out.Attempts)
	return out
}

// BestKnown returns the most frequent successful parameters for a reason once
// enough successes have been recorded
func (m *Manager) BestKnown(reason types.ErrorReason) (types.ProcessingParams, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	patterns, ok := m.patterns.Peek(reason)
	if !ok || len(patterns) < minPatternsForBest {
		return types.ProcessingParams{}, false
	}
	return bestOf(patterns), true
}

// History returns every retry attempt recorded for a task
func (m *Manager) History(taskID string) []types.RetryAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempts, _ := m.history.Peek(taskID)
	out := make([]types.RetryAttempt, len(attempts))
	copy(out, attempts)
	return out
}

// Forget drops the attempt history of a task
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.Remove(taskID)
}

func (m *Manager) recordSuccess(reason types.ErrorReason, params types.ProcessingParams) {
	m.mu.Lock()
	defer m.mu.Unlock()

	patterns, _ := m.patterns.Get(reason)
	updated := make([]types.ProcessingParams, 0, len(patterns)+1)
	updated = append(updated, params)
	updated = append(updated, patterns...)
	if len(updated) > m.patternsPerReason {
		updated = updated[:m.patternsPerReason]
	}
	m.patterns.Add(reason, updated)
}

func (m *Manager) appendHistory(taskID string, attempts []types.RetryAttempt) {
	if len(attempts) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, _ := m.history.Get(taskID)
	merged := make([]types.RetryAttempt, 0, len(existing)+len(attempts))
	merged = append(merged, existing...)
	merged = append(merged, attempts...)
	m.history.Add(taskID, merged)
}

// mergeBest takes the learned values for tunable fields but never makes the
// job more expensive than what is currently requested
func mergeBest(current, best types.ProcessingParams) types.ProcessingParams {
	out := current
	if best.Steps > 0 && best.Steps < current.Steps {
		out.Steps = best.Steps
	}
	if best.TileSize > 0 && best.TileSize < current.TileSize {
		out.TileSize = best.TileSize
	}
	if best.ResizeLimit > 0 && best.ResizeLimit < current.ResizeLimit {
		out.ResizeLimit = best.ResizeLimit
	}
	if best.QualityTier != "" && best.QualityTier.Rank() < current.QualityTier.Rank() {
		out.QualityTier = best.QualityTier
	}
	out.LowMemory = current.LowMemory || best.LowMemory
	out.CPUOffload = current.CPUOffload || best.CPUOffload
	return out
}

// runAttempt enforces the timeout even when op ignores its context
func runAttempt(ctx context.Context, timeout time.Duration, params types.ProcessingParams, op Operation) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := op(attemptCtx, params)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s: %w", ErrAttemptTimedOut, timeout, context.DeadlineExceeded)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
