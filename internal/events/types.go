package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	RunID() string
}

// Sink receives events emitted by a run. Emit must be safe for concurrent
// use and must not block for long: the coordinator and the workers call it.
type Sink interface {
	Emit(Event)
}

// Topic constants
const (
	TopicTask = "task"
	TopicDAG  = "dag"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task_started"
	EventTypeTaskRetrying  = "task_retrying"
	EventTypeTaskSucceeded = "task_succeeded"
	EventTypeTaskFailed    = "task_failed"
	EventTypeTaskBlocked   = "task_blocked"
	EventTypeTaskCancelled = "task_cancelled"
	EventTypeRunFinished   = "run_finished"
	EventTypeDAGProgress   = "dag_progress"
)

// TaskStartedEvent is published when a task is dispatched.
type TaskStartedEvent struct {
	Run       string
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }
func (e TaskStartedEvent) RunID() string     { return e.Run }

// TaskRetryingEvent is published after a failed attempt, before the retry delay.
type TaskRetryingEvent struct {
	Run         string
	ID          string
	Attempt     int // The attempt that just failed
	MaxAttempts int
	Err         error
	Delay       time.Duration
	Timestamp   time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }
func (e TaskRetryingEvent) RunID() string     { return e.Run }

// TaskSucceededEvent is published when a task completes successfully.
type TaskSucceededEvent struct {
	Run       string
	ID        string
	Value     any
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskSucceededEvent) EventType() string { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) TaskID() string    { return e.ID }
func (e TaskSucceededEvent) RunID() string     { return e.Run }

// TaskFailedEvent is published when a task exhausts its attempts.
type TaskFailedEvent struct {
	Run       string
	ID        string
	Err       error
	TimedOut  bool
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }
func (e TaskFailedEvent) RunID() string     { return e.Run }

// TaskBlockedEvent is published when a task can never run because a
// dependency did not succeed.
type TaskBlockedEvent struct {
	Run       string
	ID        string
	BlockedBy string // The failed task the block originates from
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }
func (e TaskBlockedEvent) RunID() string     { return e.Run }

// TaskCancelledEvent is published for every task left unstarted by cancellation.
type TaskCancelledEvent struct {
	Run       string
	ID        string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }
func (e TaskCancelledEvent) RunID() string     { return e.Run }

// RunFinishedEvent is published once, after the report is finalized.
type RunFinishedEvent struct {
	Run       string
	Success   bool
	Cancelled bool
	Duration  time.Duration
	Counts    map[string]int // State name -> task count
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }
func (e RunFinishedEvent) RunID() string     { return e.Run }

// DAGProgressEvent is published after every task state change.
type DAGProgressEvent struct {
	Run       string
	Total     int
	Succeeded int
	Running   int
	Failed    int // Failed or timed out
	Blocked   int
	Cancelled int
	Pending   int // Pending or ready
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) TaskID() string    { return "" }
func (e DAGProgressEvent) RunID() string     { return e.Run }

// Done returns the number of tasks in a terminal state.
func (e DAGProgressEvent) Done() int {
	return e.Succeeded + e.Failed + e.Blocked + e.Cancelled
}

// TopicOf returns the bus topic an event is routed to.
func TopicOf(e Event) string {
	switch e.(type) {
	case RunFinishedEvent, DAGProgressEvent:
		return TopicDAG
	default:
		return TopicTask
	}
}
