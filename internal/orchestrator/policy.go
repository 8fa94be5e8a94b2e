package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/scheduler"
)

// Mode selects how ready tasks are executed.
type Mode struct {
	parallel bool
	workers  int
}

// Sequential runs one task at a time, inline in the coordinator.
func Sequential() Mode {
	return Mode{workers: 1}
}

// Parallel runs up to maxWorkers tasks concurrently.
func Parallel(maxWorkers int) Mode {
	return Mode{parallel: true, workers: maxWorkers}
}

// IsParallel reports whether the mode uses a worker pool.
func (m Mode) IsParallel() bool { return m.parallel }

// Workers returns the worker pool size; always 1 for sequential mode.
func (m Mode) Workers() int {
	if !m.parallel {
		return 1
	}
	return m.workers
}

func (m Mode) String() string {
	if !m.parallel {
		return "sequential"
	}
	return fmt.Sprintf("parallel(%d)", m.workers)
}

// Validate rejects a parallel mode without workers.
func (m Mode) Validate() error {
	if m.parallel && m.workers < 1 {
		return &scheduler.ConfigError{Field: "max_workers", Value: strconv.Itoa(m.workers), Reason: "must be at least 1"}
	}
	return nil
}

// ModeFromConfig picks the mode described by the configuration.
func ModeFromConfig(cfg *config.Config) Mode {
	if cfg.Parallel {
		return Parallel(cfg.MaxWorkers)
	}
	return Sequential()
}

// Policy holds the workflow-wide defaults applied to every task that does
// not override them.
type Policy struct {
	DefaultTimeout     time.Duration // Per-attempt timeout
	LongRunningTimeout time.Duration // Per-attempt timeout for long-running tasks; 0 falls back to DefaultTimeout
	DefaultMaxAttempts int           // Total attempts, including the first
	DefaultRetryDelay  time.Duration // Pause between attempts
	BreakerThreshold   int           // Consecutive failures that open a group's breaker; 0 disables breakers
	BreakerCooldown    time.Duration // How long an open breaker rejects attempts
	InterruptOnCancel  bool          // Cancel in-flight attempts when the run is cancelled
}

// DefaultPolicy returns the built-in defaults.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTimeout:     300 * time.Second,
		LongRunningTimeout: time.Hour,
		DefaultMaxAttempts: 1,
		DefaultRetryDelay:  time.Second,
		BreakerCooldown:    30 * time.Second,
	}
}

// PolicyFromConfig converts the configuration into a Policy. The configured
// retry count becomes retry count + 1 attempts.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		DefaultTimeout:     cfg.DefaultTimeout.Std(),
		LongRunningTimeout: cfg.LongRunningTimeout.Std(),
		DefaultMaxAttempts: cfg.DefaultRetryCount + 1,
		DefaultRetryDelay:  cfg.RetryDelay.Std(),
		BreakerThreshold:   cfg.BreakerThreshold,
		BreakerCooldown:    cfg.BreakerCooldown.Std(),
		InterruptOnCancel:  cfg.InterruptOnCancel,
	}
}

// Validate reports every invalid field together.
func (p Policy) Validate() error {
	var errs []error
	if p.DefaultTimeout <= 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "default_timeout", Value: p.DefaultTimeout.String(), Reason: "must be positive"})
	}
	if p.LongRunningTimeout < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "long_running_timeout", Value: p.LongRunningTimeout.String(), Reason: "must not be negative"})
	}
	if p.DefaultMaxAttempts < 1 {
		errs = append(errs, &scheduler.ConfigError{Field: "max_attempts", Value: strconv.Itoa(p.DefaultMaxAttempts), Reason: "must be at least 1"})
	}
	if p.DefaultRetryDelay < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "retry_delay", Value: p.DefaultRetryDelay.String(), Reason: "must not be negative"})
	}
	if p.BreakerThreshold < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "breaker_threshold", Value: strconv.Itoa(p.BreakerThreshold), Reason: "must not be negative"})
	}
	if p.BreakerCooldown < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "breaker_cooldown", Value: p.BreakerCooldown.String(), Reason: "must not be negative"})
	}
	return errors.Join(errs...)
}

// Attempts is the resolved execution budget of a single task.
type Attempts struct {
	Timeout     time.Duration // Per-attempt deadline
	MaxAttempts int           // Total attempts, including the first
	RetryDelay  time.Duration // Constant pause between attempts
	Interrupt   bool          // Whether run cancellation reaches the action's context
}

// Resolve merges the task's overrides with the policy defaults.
func (p Policy) Resolve(d scheduler.Descriptor) Attempts {
	a := Attempts{
		Timeout:     p.DefaultTimeout,
		MaxAttempts: p.DefaultMaxAttempts,
		RetryDelay:  p.DefaultRetryDelay,
		Interrupt:   p.InterruptOnCancel,
	}
	switch {
	case d.Timeout > 0:
		a.Timeout = d.Timeout
	case d.LongRunning && p.LongRunningTimeout > 0:
		a.Timeout = p.LongRunningTimeout
	}
	if d.MaxAttempts > 0 {
		a.MaxAttempts = d.MaxAttempts
	}
	if d.RetryDelay != nil {
		a.RetryDelay = *d.RetryDelay
	}
	if a.MaxAttempts < 1 {
		a.MaxAttempts = 1
	}
	return a
}
