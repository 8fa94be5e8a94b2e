package scheduler

import (
	"context"
	"strconv"
	"time"
)

// TaskState represents the current state of a task.
type TaskState int

const (
	TaskPending   TaskState = iota // Waiting for dependencies
	TaskReady                      // All dependencies succeeded, waiting for a worker
	TaskRunning                    // Currently executing (including retries)
	TaskSucceeded                  // Finished successfully
	TaskFailed                     // Last attempt returned an error
	TaskTimedOut                   // Last attempt exceeded its timeout
	TaskBlocked                    // Never ran because a dependency did not succeed
	TaskCancelled                  // Never ran because the run was cancelled
)

var stateNames = [...]string{
	TaskPending:   "pending",
	TaskReady:     "ready",
	TaskRunning:   "running",
	TaskSucceeded: "succeeded",
	TaskFailed:    "failed",
	TaskTimedOut:  "timed_out",
	TaskBlocked:   "blocked",
	TaskCancelled: "cancelled",
}

func (s TaskState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition can happen in this run.
func (s TaskState) IsTerminal() bool {
	return s >= TaskSucceeded
}

// TerminalStates lists every terminal state in display order.
var TerminalStates = []TaskState{TaskSucceeded, TaskFailed, TaskTimedOut, TaskBlocked, TaskCancelled}

// ParseTaskState is the inverse of TaskState.String.
func ParseTaskState(s string) (TaskState, bool) {
	for i, name := range stateNames {
		if name == s {
			return TaskState(i), true
		}
	}
	return TaskPending, false
}

// Action is the work a task performs. Implementations should honour ctx
// cancellation; an action that ignores it still gets classified as timed out
// once its deadline passes.
type Action interface {
	Invoke(ctx context.Context) (any, error)
}

// ActionFunc adapts an ordinary function to the Action interface.
type ActionFunc func(ctx context.Context) (any, error)

// Invoke calls f(ctx).
func (f ActionFunc) Invoke(ctx context.Context) (any, error) {
	return f(ctx)
}

// Descriptor is the immutable definition of one unit of work.
// Zero values on the override fields mean "use the workflow default".
type Descriptor struct {
	ID          string        // Unique identifier
	Name        string        // Human-readable name
	Description string        // Optional longer description
	Action      Action        // The work itself
	DependsOn   []string      // Task IDs that must succeed first
	Timeout     time.Duration // Per-attempt timeout override
	LongRunning bool          // Use the long-running default timeout when Timeout is unset
	MaxAttempts int           // Attempt count override; 1 disables retry
	RetryDelay  *time.Duration
	Resources   []string // Exclusive resources held while the task runs
	Group       string   // Circuit breaker group
}

// DisplayName returns Name, falling back to ID.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Delay is a convenience for filling Descriptor.RetryDelay.
func Delay(d time.Duration) *time.Duration {
	return &d
}

// validate checks the numeric overrides. Structural checks live in Build.
func (d Descriptor) validate() error {
	if d.ID == "" {
		return &ConfigError{Field: "id", Reason: "must not be empty"}
	}
	if d.Action == nil {
		return &ConfigError{TaskID: d.ID, Field: "action", Reason: "must not be nil"}
	}
	if d.Timeout < 0 {
		return &ConfigError{TaskID: d.ID, Field: "timeout", Value: d.Timeout.String(), Reason: "must be positive"}
	}
	if d.MaxAttempts < 0 {
		return &ConfigError{TaskID: d.ID, Field: "max_attempts", Value: strconv.Itoa(d.MaxAttempts), Reason: "must be at least 1"}
	}
	if d.RetryDelay != nil && *d.RetryDelay < 0 {
		return &ConfigError{TaskID: d.ID, Field: "retry_delay", Value: d.RetryDelay.String(), Reason: "must not be negative"}
	}
	return nil
}

// Record is the mutable state owned by one task during a run.
type Record struct {
	ID       string
	State    TaskState
	Attempts int
	Duration time.Duration
	Err      error
	Value    any
}

// Completion carries the terminal outcome of a task back into the graph.
type Completion struct {
	State    TaskState
	Attempts int
	Duration time.Duration
	Err      error
	Value    any
}

func cloneDescriptor(d Descriptor) Descriptor {
	cp := d
	if d.DependsOn != nil {
		cp.DependsOn = append([]string(nil), d.DependsOn...)
	}
	if d.Resources != nil {
		cp.Resources = append([]string(nil), d.Resources...)
	}
	if d.RetryDelay != nil {
		delay := *d.RetryDelay
		cp.RetryDelay = &delay
	}
	return cp
}
