package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/scheduler"
)

// ErrGraphNotReset is returned when starting a run on a graph that still
// carries state from an earlier run.
var ErrGraphNotReset = errors.New("graph holds state from a previous run; call Reset first")

// Option configures a Runner.
type Option func(*Runner)

// WithSink sets the event sink. Defaults to events.Discard.
func WithSink(sink events.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithRunID overrides the generated run identifier.
func WithRunID(runID string) Option {
	return func(r *Runner) { r.runID = runID }
}

// WithLocks shares a resource lock manager between runners.
func WithLocks(locks *scheduler.ResourceLockManager) Option {
	return func(r *Runner) { r.locks = locks }
}

// WithBreakers shares circuit breakers between runners.
func WithBreakers(breakers *BreakerRegistry) Option {
	return func(r *Runner) { r.breakers = breakers }
}

// Runner executes a dependency graph once.
type Runner struct {
	graph    *scheduler.Graph
	mode     Mode
	policy   Policy
	sink     events.Sink
	logger   *slog.Logger
	runID    string
	locks    *scheduler.ResourceLockManager
	breakers *BreakerRegistry
}

// NewRunner validates mode and policy and creates a runner for graph.
func NewRunner(graph *scheduler.Graph, mode Mode, policy Policy, opts ...Option) (*Runner, error) {
	if graph == nil {
		return nil, errors.New("graph must not be nil")
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		graph:  graph,
		mode:   mode,
		policy: policy,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.sink == nil {
		r.sink = events.Discard
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	if r.locks == nil {
		r.locks = scheduler.NewResourceLockManager()
	}
	if r.breakers == nil {
		r.breakers = NewBreakerRegistry(policy.BreakerThreshold, policy.BreakerCooldown, r.logger)
	}
	r.logger = r.logger.With("run_id", r.runID)

	return r, nil
}

// RunID returns the identifier of the run.
func (r *Runner) RunID() string { return r.runID }

// Handle controls a run started with Start.
type Handle struct {
	runID   string
	cancel  context.CancelFunc
	done    chan struct{}
	summary *Summary
}

// RunID returns the identifier of the run.
func (h *Handle) RunID() string { return h.runID }

// Cancel stops the run: unstarted tasks are cancelled and in-flight tasks
// finish their current attempt without retrying. Safe to call repeatedly.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the run has finished and its summary is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its summary.
func (h *Handle) Wait() *Summary {
	<-h.done
	return h.summary
}

// Start launches the run in the background. The graph must be fresh (all
// tasks Pending) and not in use by another runner.
func (r *Runner) Start(ctx context.Context) (*Handle, error) {
	if err := r.graph.Claim(); err != nil {
		return nil, err
	}
	if r.graph.Counts()[scheduler.TaskPending] != r.graph.Len() {
		r.graph.Release()
		return nil, ErrGraphNotReset
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		runID:  r.runID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer cancel()
		defer r.graph.Release()

		h.summary = r.run(runCtx)
	}()

	return h, nil
}

// Run executes graph to completion or cancellation and returns the summary.
// Task failures are reported in the summary, not as an error.
func Run(ctx context.Context, graph *scheduler.Graph, mode Mode, policy Policy, opts ...Option) (*Summary, error) {
	r, err := NewRunner(graph, mode, policy, opts...)
	if err != nil {
		return nil, err
	}
	h, err := r.Start(ctx)
	if err != nil {
		return nil, err
	}
	return h.Wait(), nil
}

func (r *Runner) run(ctx context.Context) *Summary {
	report := NewReport(r.runID, r.graph.IDs()...)
	r.logger.Info("run started", "tasks", r.graph.Len(), "mode", r.mode.String())
	r.emitProgress()

	if r.mode.IsParallel() {
		r.runParallel(ctx, report)
	} else {
		r.runSequential(ctx, report)
	}

	summary := report.Finalize(ctx.Err() != nil)

	counts := make(map[string]int)
	for state, n := range summary.Counts() {
		counts[state.String()] = n
	}
	r.sink.Emit(events.RunFinishedEvent{
		Run:       r.runID,
		Success:   summary.Success(),
		Cancelled: summary.Cancelled(),
		Duration:  summary.Duration(),
		Counts:    counts,
		Timestamp: time.Now(),
	})
	r.logger.Info("run finished",
		"success", summary.Success(),
		"cancelled", summary.Cancelled(),
		"duration", summary.Duration(),
		"succeeded", summary.Count(scheduler.TaskSucceeded),
		"failed", summary.Count(scheduler.TaskFailed)+summary.Count(scheduler.TaskTimedOut),
		"blocked", summary.Count(scheduler.TaskBlocked),
		"cancelled_tasks", summary.Count(scheduler.TaskCancelled))

	return summary
}

// runSequential executes the first ready task in registration order inline,
// until nothing is ready or the run is cancelled.
func (r *Runner) runSequential(ctx context.Context, report *Report) {
	for {
		if ctx.Err() != nil {
			r.cancelRemaining(report)
			return
		}

		ready := r.graph.ReadyTasks()
		if len(ready) == 0 {
			return
		}

		id := ready[0]
		if !r.dispatch(id) {
			return
		}
		outcome := r.execute(ctx, id)
		if ctx.Err() != nil {
			// Cancellation wins over blocking: whatever is still pending
			// is cancelled before the outcome can block it.
			r.cancelRemaining(report)
		}
		r.complete(report, id, outcome)
	}
}

type completion struct {
	id      string
	outcome Outcome
}

// runParallel keeps up to Workers tasks in flight. Only this goroutine
// mutates the graph and the report; workers hand results back over a
// channel.
func (r *Runner) runParallel(ctx context.Context, report *Report) {
	workers := r.mode.Workers()
	results := make(chan completion, workers)

	var g errgroup.Group
	g.SetLimit(workers)
	defer g.Wait()

	cancelled := ctx.Done()
	running := 0

	for {
		if cancelled != nil && ctx.Err() != nil {
			cancelled = nil
			r.cancelRemaining(report)
		}

		if cancelled != nil {
			for _, id := range r.graph.ReadyTasks() {
				if running >= workers {
					break
				}
				if !r.dispatch(id) {
					continue
				}
				running++
				id := id
				g.Go(func() error {
					results <- completion{id: id, outcome: r.execute(ctx, id)}
					return nil
				})
			}
		}

		if running == 0 {
			return
		}

		select {
		case c := <-results:
			running--
			if cancelled != nil && ctx.Err() != nil {
				cancelled = nil
				r.cancelRemaining(report)
			}
			r.complete(report, c.id, c.outcome)
		case <-cancelled:
			r.logger.Info("run cancelled, waiting for in-flight tasks", "running", running)
		}
	}
}

// dispatch moves a ready task to Running and announces it.
func (r *Runner) dispatch(id string) bool {
	if err := r.graph.MarkRunning(id); err != nil {
		r.logger.Error("failed to mark task running", "task", id, "error", err)
		return false
	}

	desc, _ := r.graph.Descriptor(id)
	r.logger.Debug("task started", "task", id)
	r.sink.Emit(events.TaskStartedEvent{
		Run:       r.runID,
		ID:        id,
		Name:      desc.DisplayName(),
		Timestamp: time.Now(),
	})
	r.emitProgress()
	return true
}

// execute runs one task under its resolved attempt budget. It is called
// from worker goroutines and must not touch the graph's records.
func (r *Runner) execute(ctx context.Context, id string) Outcome {
	desc, _ := r.graph.Descriptor(id)
	attempts := r.policy.Resolve(desc)

	var inflight sync.WaitGroup
	r.locks.LockAll(desc.Resources)
	defer r.release(desc.Resources, &inflight)

	opts := []ExecuteOption{
		WithInflight(&inflight),
		WithRetryNotify(func(attempt int, err error, delay time.Duration) {
			r.logger.Debug("task attempt failed", "task", id, "attempt", attempt, "error", err)
			r.sink.Emit(events.TaskRetryingEvent{
				Run:         r.runID,
				ID:          id,
				Attempt:     attempt,
				MaxAttempts: attempts.MaxAttempts,
				Err:         err,
				Delay:       delay,
				Timestamp:   time.Now(),
			})
		}),
	}
	if cb := r.breakers.Get(desc.Group); cb != nil {
		opts = append(opts, WithBreaker(cb))
	}

	return Execute(ctx, desc.Action, attempts, opts...)
}

// release unlocks resources once every attempt goroutine has returned,
// including attempts abandoned at their deadline that still use them. The
// outcome is reported without waiting for that.
func (r *Runner) release(resources []string, inflight *sync.WaitGroup) {
	if len(resources) == 0 {
		return
	}
	go func() {
		inflight.Wait()
		r.locks.UnlockAll(resources)
	}()
}

// complete stores the outcome, blocks dependents of a failed task and
// records everything that became terminal.
func (r *Runner) complete(report *Report, id string, outcome Outcome) {
	err := r.graph.Complete(id, scheduler.Completion{
		State:    outcome.State,
		Attempts: outcome.Attempts,
		Duration: outcome.Duration,
		Err:      outcome.Err,
		Value:    outcome.Value,
	})
	if err != nil {
		r.logger.Error("failed to complete task", "task", id, "error", err)
		return
	}
	r.record(report, id)

	now := time.Now()
	if outcome.State == scheduler.TaskSucceeded {
		r.logger.Debug("task succeeded", "task", id, "attempts", outcome.Attempts, "duration", outcome.Duration)
		r.sink.Emit(events.TaskSucceededEvent{
			Run:       r.runID,
			ID:        id,
			Value:     outcome.Value,
			Attempts:  outcome.Attempts,
			Duration:  outcome.Duration,
			Timestamp: now,
		})
		r.emitProgress()
		return
	}

	r.logger.Warn("task failed",
		"task", id,
		"state", outcome.State.String(),
		"attempts", outcome.Attempts,
		"error", outcome.Err)
	r.sink.Emit(events.TaskFailedEvent{
		Run:       r.runID,
		ID:        id,
		Err:       outcome.Err,
		TimedOut:  outcome.State == scheduler.TaskTimedOut,
		Attempts:  outcome.Attempts,
		Duration:  outcome.Duration,
		Timestamp: now,
	})

	blocked := r.graph.BlockDependents(id)
	for _, depID := range blocked {
		r.record(report, depID)
		r.sink.Emit(events.TaskBlockedEvent{
			Run:       r.runID,
			ID:        depID,
			BlockedBy: id,
			Timestamp: now,
		})
	}
	if len(blocked) > 0 {
		r.logger.Info("dependents blocked", "task", id, "blocked", blocked)
	}
	r.emitProgress()
}

// cancelRemaining cancels every task that has not started.
func (r *Runner) cancelRemaining(report *Report) {
	cancelled := r.graph.CancelRemaining()
	now := time.Now()
	for _, id := range cancelled {
		r.record(report, id)
		r.sink.Emit(events.TaskCancelledEvent{Run: r.runID, ID: id, Timestamp: now})
	}
	if len(cancelled) > 0 {
		r.logger.Info("run cancelled", "cancelled", len(cancelled))
		r.emitProgress()
	}
}

func (r *Runner) record(report *Report, id string) {
	rec, ok := r.graph.Record(id)
	if !ok {
		return
	}
	desc, _ := r.graph.Descriptor(id)

	err := report.Record(TaskResult{
		ID:       id,
		Name:     desc.DisplayName(),
		State:    rec.State,
		Attempts: rec.Attempts,
		Duration: rec.Duration,
		Err:      rec.Err,
		Value:    rec.Value,
	})
	if err != nil {
		r.logger.Error("failed to record task result", "task", id, "error", err)
	}
}

func (r *Runner) emitProgress() {
	counts := r.graph.Counts()
	r.sink.Emit(events.DAGProgressEvent{
		Run:       r.runID,
		Total:     r.graph.Len(),
		Succeeded: counts[scheduler.TaskSucceeded],
		Running:   counts[scheduler.TaskRunning],
		Failed:    counts[scheduler.TaskFailed] + counts[scheduler.TaskTimedOut],
		Blocked:   counts[scheduler.TaskBlocked],
		Cancelled: counts[scheduler.TaskCancelled],
		Pending:   counts[scheduler.TaskPending] + counts[scheduler.TaskReady],
		Timestamp: time.Now(),
	})
}
