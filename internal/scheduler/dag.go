package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/toposort"
)

type node struct {
	pos  int
	desc Descriptor
	rec  Record
}

// Graph is a validated DAG of tasks plus one state record per task.
// Its structure never changes after Build; only the records do.
type Graph struct {
	mu         sync.RWMutex
	nodes      []*node             // Registration order
	index      map[string]*node    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> tasks that depend on it
	order      []string            // Stable topological order
	claimed    atomic.Bool
}

// Build validates the descriptors and returns the graph.
// Errors are *ConfigError for bad descriptor fields and *GraphError for
// duplicate IDs, unknown dependencies and cycles.
func Build(tasks []Descriptor) (*Graph, error) {
	g := &Graph{
		nodes:      make([]*node, 0, len(tasks)),
		index:      make(map[string]*node, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, t := range tasks {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, exists := g.index[t.ID]; exists {
			return nil, &GraphError{Kind: DuplicateID, TaskID: t.ID}
		}

		desc := cloneDescriptor(t)
		desc.DependsOn = dedupe(desc.DependsOn)

		n := &node{
			pos:  len(g.nodes),
			desc: desc,
			rec:  Record{ID: t.ID, State: TaskPending},
		}
		g.nodes = append(g.nodes, n)
		g.index[t.ID] = n
	}

	// Verify all dependencies exist and build the dependents map
	for _, n := range g.nodes {
		for _, depID := range n.desc.DependsOn {
			if _, exists := g.index[depID]; !exists {
				return nil, &GraphError{Kind: UnknownDependency, TaskID: n.desc.ID, Dependency: depID}
			}
			g.dependents[depID] = append(g.dependents[depID], n.desc.ID)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		// The traversal leaves exactly the cycles and what hangs off them.
		_, unresolved := g.kahn()
		graphErr := &GraphError{Kind: CycleDetected, Unresolved: unresolved, Err: err}
		if len(unresolved) > 0 {
			graphErr.TaskID = unresolved[0]
			graphErr.Cycle = g.findCycle(unresolved)
		}
		return nil, graphErr
	}
	order, _ := g.kahn()
	g.order = order

	return g, nil
}

// checkAcyclic runs gammazero/toposort over the dependency edges. It is the
// only cycle check; kahn only orders a graph already known to be acyclic.
func (g *Graph) checkAcyclic() error {
	var edges []toposort.Edge
	for _, n := range g.nodes {
		if len(n.desc.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, n.desc.ID})
			continue
		}
		for _, depID := range n.desc.DependsOn {
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, n.desc.ID})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("DAG contains cycle: %w", err)
	}
	return nil
}

// kahn repeatedly removes zero in-degree nodes, lowest registration position
// first. Nodes that never reach zero are returned as unresolved.
func (g *Graph) kahn() (order []string, unresolved []string) {
	inDegree := make([]int, len(g.nodes))
	ready := &positionHeap{}
	for _, n := range g.nodes {
		inDegree[n.pos] = len(n.desc.DependsOn)
		if inDegree[n.pos] == 0 {
			heap.Push(ready, n.pos)
		}
	}

	order = make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		pos := heap.Pop(ready).(int)
		id := g.nodes[pos].desc.ID
		order = append(order, id)
		for _, depID := range g.dependents[id] {
			dep := g.index[depID]
			inDegree[dep.pos]--
			if inDegree[dep.pos] == 0 {
				heap.Push(ready, dep.pos)
			}
		}
	}

	for _, n := range g.nodes {
		if inDegree[n.pos] > 0 {
			unresolved = append(unresolved, n.desc.ID)
		}
	}
	return order, unresolved
}

// findCycle walks from the first unresolved node along dependencies that are
// also unresolved. Every unresolved node has at least one such dependency, so
// the walk must revisit a node; the revisited suffix is a cycle.
func (g *Graph) findCycle(unresolved []string) []string {
	remaining := make(map[string]bool, len(unresolved))
	for _, id := range unresolved {
		remaining[id] = true
	}

	seenAt := make(map[string]int)
	var path []string
	cur := unresolved[0]
	for {
		if i, seen := seenAt[cur]; seen {
			return append([]string(nil), path[i:]...)
		}
		seenAt[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, depID := range g.index[cur].desc.DependsOn {
			if remaining[depID] {
				next = depID
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Order returns the task IDs in topological order, ties broken by
// registration order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// IDs returns the task IDs in registration order.
func (g *Graph) IDs() []string {
	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.desc.ID
	}
	return ids
}

// Descriptor returns a copy of the task's descriptor.
func (g *Graph) Descriptor(taskID string) (Descriptor, bool) {
	n, exists := g.index[taskID]
	if !exists {
		return Descriptor{}, false
	}
	return cloneDescriptor(n.desc), true
}

// DependentsOf returns the IDs of tasks that directly depend on taskID.
func (g *Graph) DependentsOf(taskID string) []string {
	return append([]string(nil), g.dependents[taskID]...)
}

// Record returns a snapshot of the task's state record.
func (g *Graph) Record(taskID string) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, exists := g.index[taskID]
	if !exists {
		return Record{}, false
	}
	return n.rec, true
}

// Records returns snapshots of all state records in registration order.
func (g *Graph) Records() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	records := make([]Record, len(g.nodes))
	for i, n := range g.nodes {
		records[i] = n.rec
	}
	return records
}

// Counts returns the number of tasks in each state.
func (g *Graph) Counts() map[TaskState]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[TaskState]int)
	for _, n := range g.nodes {
		counts[n.rec.State]++
	}
	return counts
}

// ReadyTasks promotes every Pending task whose dependencies have all
// succeeded to Ready, then returns all Ready task IDs in registration order.
func (g *Graph) ReadyTasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for _, n := range g.nodes {
		if n.rec.State == TaskPending && g.dependenciesSucceeded(n) {
			n.rec.State = TaskReady
		}
		if n.rec.State == TaskReady {
			ready = append(ready, n.desc.ID)
		}
	}
	return ready
}

func (g *Graph) dependenciesSucceeded(n *node) bool {
	for _, depID := range n.desc.DependsOn {
		if g.index[depID].rec.State != TaskSucceeded {
			return false
		}
	}
	return true
}

// MarkRunning moves a Ready task to Running.
func (g *Graph) MarkRunning(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.index[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if n.rec.State != TaskReady {
		return fmt.Errorf("task %q is not ready (status: %s)", taskID, n.rec.State)
	}

	n.rec.State = TaskRunning
	return nil
}

// Complete stores the terminal outcome of a Running task.
func (g *Graph) Complete(taskID string, c Completion) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.index[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if n.rec.State != TaskRunning {
		return fmt.Errorf("task %q is not running (status: %s)", taskID, n.rec.State)
	}
	switch c.State {
	case TaskSucceeded, TaskFailed, TaskTimedOut:
	default:
		return fmt.Errorf("task %q cannot complete as %s", taskID, c.State)
	}

	n.rec = Record{
		ID:       taskID,
		State:    c.State,
		Attempts: c.Attempts,
		Duration: c.Duration,
		Err:      c.Err,
		Value:    c.Value,
	}
	return nil
}

// BlockDependents marks every transitive dependent of taskID that has not
// started yet as Blocked, in one breadth-first traversal. It returns the
// newly blocked IDs in traversal order.
func (g *Graph) BlockDependents(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	cause := fmt.Errorf("%w: %q", ErrDependencyFailed, taskID)

	var blocked []string
	visited := map[string]bool{taskID: true}
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, depID := range g.dependents[id] {
			if visited[depID] {
				continue
			}
			visited[depID] = true

			n := g.index[depID]
			if n.rec.State != TaskPending && n.rec.State != TaskReady {
				continue
			}
			n.rec.State = TaskBlocked
			n.rec.Err = cause
			blocked = append(blocked, depID)
			queue = append(queue, depID)
		}
	}
	return blocked
}

// CancelRemaining marks every Pending or Ready task as Cancelled and returns
// their IDs in registration order.
func (g *Graph) CancelRemaining() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cancelled []string
	for _, n := range g.nodes {
		if n.rec.State == TaskPending || n.rec.State == TaskReady {
			n.rec.State = TaskCancelled
			n.rec.Err = ErrRunCancelled
			cancelled = append(cancelled, n.desc.ID)
		}
	}
	return cancelled
}

// Reset returns every record to Pending so the graph can run again.
func (g *Graph) Reset() error {
	if g.claimed.Load() {
		return ErrGraphInUse
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range g.nodes {
		n.rec = Record{ID: n.desc.ID, State: TaskPending}
	}
	return nil
}

// Claim reserves the graph for a single coordinator.
func (g *Graph) Claim() error {
	if !g.claimed.CompareAndSwap(false, true) {
		return ErrGraphInUse
	}
	return nil
}

// Release undoes Claim.
func (g *Graph) Release() {
	g.claimed.Store(false)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// positionHeap is a min-heap of registration positions.
type positionHeap []int

func (h positionHeap) Len() int           { return len(h) }
func (h positionHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h positionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *positionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
