package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

// ErrReportFinalized is returned when recording into a frozen report.
var ErrReportFinalized = errors.New("report already finalized")

// TaskResult is the final record of one task in a run.
type TaskResult struct {
	ID       string
	Name     string
	State    scheduler.TaskState
	Attempts int
	Duration time.Duration
	Err      error
	Value    any
}

// Report accumulates task results during a run. It is owned by the
// coordinator and frozen by Finalize.
type Report struct {
	mu        sync.Mutex
	runID     string
	order     []string
	startedAt time.Time
	results   map[string]TaskResult
	recorded  []string
	summary   *Summary
}

// NewReport creates an empty report. order, when given, fixes the order in
// which the summary lists tasks; results for other IDs follow in the order
// they were recorded.
func NewReport(runID string, order ...string) *Report {
	return &Report{
		runID:     runID,
		order:     append([]string(nil), order...),
		startedAt: time.Now(),
		results:   make(map[string]TaskResult),
	}
}

// Record stores a task result. Each task is recorded at most once.
func (r *Report) Record(result TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.summary != nil {
		return ErrReportFinalized
	}
	if _, exists := r.results[result.ID]; exists {
		return fmt.Errorf("task %q already recorded", result.ID)
	}
	r.results[result.ID] = result
	r.recorded = append(r.recorded, result.ID)
	return nil
}

// Finalize freezes the report and returns its summary. Later calls return
// the same summary.
func (r *Report) Finalize(cancelled bool) *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.summary != nil {
		return r.summary
	}

	s := &Summary{
		runID:      r.runID,
		cancelled:  cancelled,
		startedAt:  r.startedAt,
		finishedAt: time.Now(),
		index:      make(map[string]int, len(r.results)),
		complete:   true,
	}

	add := func(id string) {
		if _, seen := s.index[id]; seen {
			return
		}
		result, ok := r.results[id]
		if !ok {
			s.complete = false
			return
		}
		s.index[id] = len(s.tasks)
		s.tasks = append(s.tasks, result)
	}
	for _, id := range r.order {
		add(id)
	}
	for _, id := range r.recorded {
		add(id)
	}

	r.summary = s
	return s
}

// Summary is the immutable outcome of a run.
type Summary struct {
	runID      string
	cancelled  bool
	complete   bool // Every expected task has a result
	startedAt  time.Time
	finishedAt time.Time
	tasks      []TaskResult
	index      map[string]int
}

// RunID returns the run identifier.
func (s *Summary) RunID() string { return s.runID }

// Success reports whether every task succeeded.
func (s *Summary) Success() bool {
	if !s.complete {
		return false
	}
	for _, t := range s.tasks {
		if t.State != scheduler.TaskSucceeded {
			return false
		}
	}
	return true
}

// Cancelled reports whether the run was cancelled before it completed.
func (s *Summary) Cancelled() bool { return s.cancelled }

// Task returns the result of one task.
func (s *Summary) Task(id string) (TaskResult, bool) {
	i, ok := s.index[id]
	if !ok {
		return TaskResult{}, false
	}
	return s.tasks[i], true
}

// Tasks returns every task result in registration order.
func (s *Summary) Tasks() []TaskResult {
	return append([]TaskResult(nil), s.tasks...)
}

// StartedAt returns when the run started.
func (s *Summary) StartedAt() time.Time { return s.startedAt }

// FinishedAt returns when the report was finalized.
func (s *Summary) FinishedAt() time.Time { return s.finishedAt }

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration { return s.finishedAt.Sub(s.startedAt) }

// Count returns the number of tasks that ended in state.
func (s *Summary) Count(state scheduler.TaskState) int {
	n := 0
	for _, t := range s.tasks {
		if t.State == state {
			n++
		}
	}
	return n
}

// Counts returns the number of tasks per final state.
func (s *Summary) Counts() map[scheduler.TaskState]int {
	counts := make(map[scheduler.TaskState]int)
	for _, t := range s.tasks {
		counts[t.State]++
	}
	return counts
}

// Errors returns every captured error keyed by task ID.
func (s *Summary) Errors() map[string]error {
	errs := make(map[string]error)
	for _, t := range s.tasks {
		if t.Err != nil {
			errs[t.ID] = t.Err
		}
	}
	return errs
}
