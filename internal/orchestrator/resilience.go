package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskflow/internal/scheduler"
)

var (
	// ErrAttemptTimeout is wrapped by the error of an attempt that outlived its deadline.
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrTaskPanicked is wrapped by the error of an attempt whose action panicked.
	ErrTaskPanicked = errors.New("task panicked")
)

// Outcome is the classified result of all attempts of one task.
type Outcome struct {
	State    scheduler.TaskState // TaskSucceeded, TaskFailed or TaskTimedOut
	Value    any                 // Value returned by the successful attempt
	Err      error               // Error of the last attempt
	Attempts int                 // Attempts made, including the first
	Duration time.Duration       // Wall time across all attempts and delays
}

// RetryNotify is called after a failed attempt that will be retried.
type RetryNotify func(attempt int, err error, delay time.Duration)

type executeOptions struct {
	breaker  *gobreaker.CircuitBreaker
	notify   RetryNotify
	inflight *sync.WaitGroup
}

// ExecuteOption customizes Execute.
type ExecuteOption func(*executeOptions)

// WithBreaker routes every attempt through cb.
func WithBreaker(cb *gobreaker.CircuitBreaker) ExecuteOption {
	return func(o *executeOptions) { o.breaker = cb }
}

// WithRetryNotify registers a callback invoked before each retry delay.
func WithRetryNotify(fn RetryNotify) ExecuteOption {
	return func(o *executeOptions) { o.notify = fn }
}

// WithInflight tracks every attempt goroutine in wg. Execute may return
// while an attempt that ignored its deadline is still running; wg.Wait
// returns once all of them have.
func WithInflight(wg *sync.WaitGroup) ExecuteOption {
	return func(o *executeOptions) { o.inflight = wg }
}

// Execute runs action until it succeeds or the attempt budget is spent.
//
// ctx stops further retries when cancelled. Whether it also reaches the
// action depends on a.Interrupt: without it, attempts run on a context that
// only carries the per-attempt deadline. The first attempt always runs.
func Execute(ctx context.Context, action scheduler.Action, a Attempts, opts ...ExecuteOption) Outcome {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if a.MaxAttempts < 1 {
		a.MaxAttempts = 1
	}
	if o.inflight == nil {
		o.inflight = &sync.WaitGroup{}
	}

	attemptCtx := ctx
	if !a.Interrupt {
		attemptCtx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	var out Outcome

	operation := func() error {
		out.Attempts++

		value, err := runAttempt(attemptCtx, action, a.Timeout, o)
		if err == nil {
			out.State, out.Value, out.Err = scheduler.TaskSucceeded, value, nil
			return nil
		}
		out.State, out.Value, out.Err = classify(err), nil, err

		// Open circuit - don't retry
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		// Run cancelled - stop retrying
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.RetryDelay), uint64(a.MaxAttempts-1)),
		ctx,
	)

	notify := func(err error, delay time.Duration) {
		if o.notify != nil {
			o.notify(out.Attempts, err, delay)
		}
	}

	// The outcome is tracked by the operation itself: Retry reports ctx.Err()
	// when cancellation interrupts a delay, not the last attempt's error.
	_ = backoff.RetryNotify(operation, policy, notify)

	out.Duration = time.Since(start)
	return out
}

func classify(err error) scheduler.TaskState {
	if errors.Is(err, ErrAttemptTimeout) {
		return scheduler.TaskTimedOut
	}
	return scheduler.TaskFailed
}

func runAttempt(ctx context.Context, action scheduler.Action, timeout time.Duration, o executeOptions) (any, error) {
	if o.breaker == nil {
		return invoke(ctx, action, timeout, o.inflight)
	}
	return o.breaker.Execute(func() (interface{}, error) {
		return invoke(ctx, action, timeout, o.inflight)
	})
}

type invokeResult struct {
	value any
	err   error
}

// invoke runs one attempt in its own goroutine so that an action ignoring
// its context is still cut off at the deadline. The abandoned goroutine
// finishes in the background and is tracked by inflight.
//
// A result that arrives once the deadline has passed is a timeout, even if
// the action reported success.
func invoke(parent context.Context, action scheduler.Action, timeout time.Duration, inflight *sync.WaitGroup) (any, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}
			}
		}()
		value, err := action.Invoke(ctx)
		done <- invokeResult{value: value, err: err}
	}()

	select {
	case r := <-done:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if r.err != nil {
				return nil, fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, timeout, r.err)
			}
			return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
		return r.value, r.err
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}

	// The run was cancelled and the cancellation reached the action. Give it
	// until the original deadline to wind down.
	deadline, _ := ctx.Deadline()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err == nil && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
		return r.value, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

// BreakerRegistry hands out one circuit breaker per task group.
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
}

// NewBreakerRegistry creates a registry whose breakers open after threshold
// consecutive failures and stay open for cooldown. A threshold of 0
// disables breakers entirely.
func NewBreakerRegistry(threshold int, cooldown time.Duration, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

// Get returns the breaker for group, creating it on first use. It returns
// nil when breakers are disabled or the task has no group.
func (r *BreakerRegistry) Get(group string) *gobreaker.CircuitBreaker {
	if r == nil || r.threshold <= 0 || group == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[group]; ok {
		return cb
	}

	threshold := uint32(r.threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        group,
		MaxRequests: 1, // One probe attempt in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "group", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancelled attempts say nothing about the group's health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[group] = cb
	return cb
}
