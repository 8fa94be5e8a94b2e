package scheduler

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

var noop = ActionFunc(func(ctx context.Context) (any, error) { return nil, nil })

func task(id string, deps ...string) Descriptor {
	return Descriptor{ID: id, Action: noop, DependsOn: deps}
}

func mustBuild(t *testing.T, tasks ...Descriptor) *Graph {
	t.Helper()
	g, err := Build(tasks)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

// TestBuild tests graph validation with various structures.
func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		tasks    []Descriptor
		wantErr  error
		wantKind GraphErrorKind
	}{
		{
			name:  "valid linear chain",
			tasks: []Descriptor{task("A"), task("B", "A"), task("C", "B")},
		},
		{
			name:  "valid parallel tasks",
			tasks: []Descriptor{task("A"), task("B"), task("C", "A", "B")},
		},
		{
			name:  "single task no deps",
			tasks: []Descriptor{task("A")},
		},
		{
			name:  "empty graph",
			tasks: nil,
		},
		{
			name:  "dependency declared before registration",
			tasks: []Descriptor{task("B", "A"), task("A")},
		},
		{
			name:     "direct cycle",
			tasks:    []Descriptor{task("A", "B"), task("B", "A")},
			wantErr:  ErrCycleDetected,
			wantKind: CycleDetected,
		},
		{
			name:     "transitive cycle",
			tasks:    []Descriptor{task("A", "B"), task("B", "C"), task("C", "A")},
			wantErr:  ErrCycleDetected,
			wantKind: CycleDetected,
		},
		{
			name:     "self-loop",
			tasks:    []Descriptor{task("A", "A")},
			wantErr:  ErrCycleDetected,
			wantKind: CycleDetected,
		},
		{
			name:     "missing dependency",
			tasks:    []Descriptor{task("A", "nonexistent")},
			wantErr:  ErrUnknownDependency,
			wantKind: UnknownDependency,
		},
		{
			name:     "duplicate task ID",
			tasks:    []Descriptor{task("A"), task("A")},
			wantErr:  ErrDuplicateID,
			wantKind: DuplicateID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.tasks)

			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Build() error = %v, want nil", err)
				}
				if g.Len() != len(tt.tasks) {
					t.Errorf("Len() = %d, want %d", g.Len(), len(tt.tasks))
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
			}
			var graphErr *GraphError
			if !errors.As(err, &graphErr) {
				t.Fatalf("expected *GraphError, got %T", err)
			}
			if graphErr.Kind != tt.wantKind {
				t.Errorf("Kind = %d, want %d", graphErr.Kind, tt.wantKind)
			}
		})
	}
}

// TestBuildCycleMembers verifies the cycle error names the members of the cycle.
func TestBuildCycleMembers(t *testing.T) {
	// D hangs off the cycle and is unresolved, but is not part of it
	_, err := Build([]Descriptor{
		task("root"),
		task("A", "root", "C"),
		task("B", "A"),
		task("C", "B"),
		task("D", "C"),
	})

	var graphErr *GraphError
	if !errors.As(err, &graphErr) {
		t.Fatalf("expected *GraphError, got %v", err)
	}

	cycle := slices.Clone(graphErr.Cycle)
	slices.Sort(cycle)
	if !slices.Equal(cycle, []string{"A", "B", "C"}) {
		t.Errorf("Cycle = %v, want members A, B, C", graphErr.Cycle)
	}
	if !slices.Contains(graphErr.Unresolved, "D") {
		t.Errorf("Unresolved = %v, want it to include D", graphErr.Unresolved)
	}
	if slices.Contains(graphErr.Unresolved, "root") {
		t.Errorf("Unresolved = %v, root is resolvable", graphErr.Unresolved)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error %q does not mention the cycle", err)
	}
}

// TestBuildCycleCause verifies cycles are reported from the sort error,
// with the traversal only naming the members.
func TestBuildCycleCause(t *testing.T) {
	tests := []struct {
		name  string
		tasks []Descriptor
		cause string
		cycle []string
	}{
		{
			name:  "two-node cycle",
			tasks: []Descriptor{task("A", "B"), task("B", "A")},
			cause: "graph contains cycle in nodes",
			cycle: []string{"A", "B"},
		},
		{
			name:  "self-dependency",
			tasks: []Descriptor{task("A", "A")},
			cause: "nodes in edge cannot be the same",
			cycle: []string{"A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.tasks)
			if !errors.Is(err, ErrCycleDetected) {
				t.Fatalf("expected ErrCycleDetected, got %v", err)
			}

			cause := errors.Unwrap(err)
			if cause == nil {
				t.Fatal("cycle error carries no cause")
			}
			if !strings.Contains(cause.Error(), tt.cause) {
				t.Errorf("cause = %q, want it to contain %q", cause, tt.cause)
			}

			var graphErr *GraphError
			errors.As(err, &graphErr)
			cycle := slices.Clone(graphErr.Cycle)
			slices.Sort(cycle)
			if !slices.Equal(cycle, tt.cycle) {
				t.Errorf("Cycle = %v, want members %v", graphErr.Cycle, tt.cycle)
			}
		})
	}
}

// TestBuildConfigErrors verifies invalid descriptor values fail fast.
func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		desc  Descriptor
		field string
	}{
		{"empty id", Descriptor{Action: noop}, "id"},
		{"nil action", Descriptor{ID: "A"}, "action"},
		{"negative timeout", Descriptor{ID: "A", Action: noop, Timeout: -time.Second}, "timeout"},
		{"negative attempts", Descriptor{ID: "A", Action: noop, MaxAttempts: -1}, "max_attempts"},
		{"negative delay", Descriptor{ID: "A", Action: noop, RetryDelay: Delay(-time.Millisecond)}, "retry_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build([]Descriptor{tt.desc})

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

// TestOrderStable verifies ties are broken by registration order.
func TestOrderStable(t *testing.T) {
	g := mustBuild(t,
		task("D", "B", "C"),
		task("C", "A"),
		task("B", "A"),
		task("A"),
		task("E"),
	)

	want := []string{"A", "C", "B", "D", "E"}
	if got := g.Order(); !slices.Equal(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}

	// Repeated builds give the same order
	for i := 0; i < 10; i++ {
		again := mustBuild(t, task("D", "B", "C"), task("C", "A"), task("B", "A"), task("A"), task("E"))
		if !slices.Equal(again.Order(), want) {
			t.Fatalf("Order() not deterministic: %v", again.Order())
		}
	}
}

// TestReadyTasks tests dependency resolution and readiness.
func TestReadyTasks(t *testing.T) {
	g := mustBuild(t, task("A"), task("B"), task("C", "A"), task("D", "A", "B"))

	if got := g.ReadyTasks(); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("ReadyTasks() = %v, want [A B]", got)
	}
	if rec, _ := g.Record("A"); rec.State != TaskReady {
		t.Errorf("A state = %s, want ready", rec.State)
	}

	complete(t, g, "A", TaskSucceeded)

	// B is still Ready; C becomes Ready; D waits for B
	if got := g.ReadyTasks(); !slices.Equal(got, []string{"B", "C"}) {
		t.Fatalf("ReadyTasks() = %v, want [B C]", got)
	}

	complete(t, g, "B", TaskSucceeded)
	if got := g.ReadyTasks(); !slices.Equal(got, []string{"C", "D"}) {
		t.Fatalf("ReadyTasks() = %v, want [C D]", got)
	}
}

// TestDAGMarkTransitions tests state transition methods.
func TestDAGMarkTransitions(t *testing.T) {
	t.Run("MarkRunning requires ready", func(t *testing.T) {
		g := mustBuild(t, task("A"), task("B", "A"))
		if err := g.MarkRunning("B"); err == nil {
			t.Error("MarkRunning(B) should fail while A is pending")
		}
		if err := g.MarkRunning("missing"); err == nil {
			t.Error("MarkRunning on unknown task should fail")
		}
		g.ReadyTasks()
		if err := g.MarkRunning("A"); err != nil {
			t.Errorf("MarkRunning(A) error = %v", err)
		}
	})

	t.Run("Complete stores outcome", func(t *testing.T) {
		g := mustBuild(t, task("A"))
		g.ReadyTasks()
		_ = g.MarkRunning("A")

		taskErr := errors.New("boom")
		err := g.Complete("A", Completion{State: TaskFailed, Attempts: 3, Duration: time.Second, Err: taskErr})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}

		rec, _ := g.Record("A")
		if rec.State != TaskFailed || rec.Attempts != 3 || rec.Err != taskErr || rec.Duration != time.Second {
			t.Errorf("Record = %+v", rec)
		}
	})

	t.Run("Complete rejects non-outcome states", func(t *testing.T) {
		g := mustBuild(t, task("A"))
		g.ReadyTasks()
		_ = g.MarkRunning("A")
		if err := g.Complete("A", Completion{State: TaskBlocked}); err == nil {
			t.Error("Complete with Blocked should fail")
		}
	})

	t.Run("Complete requires running", func(t *testing.T) {
		g := mustBuild(t, task("A"))
		if err := g.Complete("A", Completion{State: TaskSucceeded}); err == nil {
			t.Error("Complete on pending task should fail")
		}
	})
}

// TestBlockDependents verifies blocking is transitive and skips unrelated tasks.
func TestBlockDependents(t *testing.T) {
	g := mustBuild(t,
		task("A"),
		task("B", "A"),
		task("C", "B"),
		task("D", "A", "X"),
		task("X"),
		task("Y", "X"),
	)

	complete(t, g, "A", TaskFailed)
	blocked := g.BlockDependents("A")

	if !slices.Equal(blocked, []string{"B", "D", "C"}) {
		t.Errorf("BlockDependents() = %v, want [B D C]", blocked)
	}
	for _, id := range []string{"B", "C", "D"} {
		rec, _ := g.Record(id)
		if rec.State != TaskBlocked {
			t.Errorf("%s state = %s, want blocked", id, rec.State)
		}
		if !errors.Is(rec.Err, ErrDependencyFailed) {
			t.Errorf("%s error = %v, want ErrDependencyFailed", id, rec.Err)
		}
	}
	for _, id := range []string{"X", "Y"} {
		rec, _ := g.Record(id)
		if rec.State == TaskBlocked {
			t.Errorf("%s was blocked but does not depend on A", id)
		}
	}

	// A second traversal finds nothing new
	if again := g.BlockDependents("A"); len(again) != 0 {
		t.Errorf("second BlockDependents() = %v, want none", again)
	}
}

// TestCancelRemaining verifies only unstarted tasks are cancelled.
func TestCancelRemaining(t *testing.T) {
	g := mustBuild(t, task("A"), task("B"), task("C", "A"))
	g.ReadyTasks()
	_ = g.MarkRunning("A")

	cancelled := g.CancelRemaining()
	if !slices.Equal(cancelled, []string{"B", "C"}) {
		t.Errorf("CancelRemaining() = %v, want [B C]", cancelled)
	}

	rec, _ := g.Record("A")
	if rec.State != TaskRunning {
		t.Errorf("A state = %s, want running", rec.State)
	}
	rec, _ = g.Record("C")
	if !errors.Is(rec.Err, ErrRunCancelled) {
		t.Errorf("C error = %v, want ErrRunCancelled", rec.Err)
	}
}

// TestClaimAndReset verifies the single-coordinator guard.
func TestClaimAndReset(t *testing.T) {
	g := mustBuild(t, task("A"))

	if err := g.Claim(); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := g.Claim(); !errors.Is(err, ErrGraphInUse) {
		t.Errorf("second Claim() error = %v, want ErrGraphInUse", err)
	}
	if err := g.Reset(); !errors.Is(err, ErrGraphInUse) {
		t.Errorf("Reset() while claimed error = %v, want ErrGraphInUse", err)
	}

	complete(t, g, "A", TaskSucceeded)
	g.Release()

	if err := g.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if rec, _ := g.Record("A"); rec.State != TaskPending || rec.Attempts != 0 {
		t.Errorf("Record after Reset = %+v", rec)
	}
}

// TestDescriptorIsolation verifies the graph keeps its own copy of descriptors.
func TestDescriptorIsolation(t *testing.T) {
	deps := []string{"A", "A"}
	g := mustBuild(t, task("A"), Descriptor{ID: "B", Action: noop, DependsOn: deps})
	deps[0] = "mutated"

	d, ok := g.Descriptor("B")
	if !ok {
		t.Fatal("Descriptor(B) not found")
	}
	if !slices.Equal(d.DependsOn, []string{"A"}) {
		t.Errorf("DependsOn = %v, want deduplicated [A]", d.DependsOn)
	}
	if got := g.DependentsOf("A"); !slices.Equal(got, []string{"B"}) {
		t.Errorf("DependentsOf(A) = %v, want [B]", got)
	}
}

func TestTaskStateString(t *testing.T) {
	for _, s := range []TaskState{TaskPending, TaskReady, TaskRunning, TaskSucceeded, TaskFailed, TaskTimedOut, TaskBlocked, TaskCancelled} {
		parsed, ok := ParseTaskState(s.String())
		if !ok || parsed != s {
			t.Errorf("ParseTaskState(%q) = %v, %v", s.String(), parsed, ok)
		}
	}
	if TaskRunning.IsTerminal() || !TaskBlocked.IsTerminal() {
		t.Error("IsTerminal() misclassifies states")
	}
}

// complete drives a task through Ready and Running to the given state.
func complete(t *testing.T, g *Graph, id string, state TaskState) {
	t.Helper()
	g.ReadyTasks()
	if err := g.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning(%s) error = %v", id, err)
	}
	if err := g.Complete(id, Completion{State: state, Attempts: 1}); err != nil {
		t.Fatalf("Complete(%s) error = %v", id, err)
	}
}
