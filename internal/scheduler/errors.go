package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// GraphErrorKind classifies structural problems found by Build.
type GraphErrorKind int

const (
	DuplicateID GraphErrorKind = iota
	UnknownDependency
	CycleDetected
)

// Sentinels for errors.Is matching against *GraphError.
var (
	ErrDuplicateID       = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycleDetected     = errors.New("dependency cycle detected")
)

// ErrGraphInUse is returned when a second coordinator tries to run a graph
// that is already being executed.
var ErrGraphInUse = errors.New("graph is already running")

// Causes recorded on tasks that never ran.
var (
	ErrDependencyFailed = errors.New("dependency did not succeed")
	ErrRunCancelled     = errors.New("run cancelled before task started")
)

// GraphError reports why a set of descriptors does not form a valid DAG.
type GraphError struct {
	Kind       GraphErrorKind
	TaskID     string   // Offending task
	Dependency string   // Missing dependency (UnknownDependency)
	Cycle      []string // One concrete cycle, in dependency order (CycleDetected)
	Unresolved []string // Every task left unordered by the traversal (CycleDetected)
	Err        error    // Underlying sort error (CycleDetected)
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case DuplicateID:
		return fmt.Sprintf("task with ID %q already exists", e.TaskID)
	case UnknownDependency:
		return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.Dependency)
	case CycleDetected:
		if len(e.Cycle) == 0 && len(e.Unresolved) == 0 && e.Err != nil {
			return e.Err.Error()
		}
		if len(e.Cycle) == 0 {
			return fmt.Sprintf("DAG contains cycle among: %s", strings.Join(e.Unresolved, ", "))
		}
		path := make([]string, 0, len(e.Cycle)+1)
		path = append(path, e.Cycle...)
		path = append(path, e.Cycle[0])
		return fmt.Sprintf("DAG contains cycle: %s", strings.Join(path, " -> "))
	default:
		return "invalid task graph"
	}
}

func (e *GraphError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *GraphError) Is(target error) bool {
	switch e.Kind {
	case DuplicateID:
		return target == ErrDuplicateID
	case UnknownDependency:
		return target == ErrUnknownDependency
	case CycleDetected:
		return target == ErrCycleDetected
	}
	return false
}

// ConfigError reports an invalid numeric policy or descriptor value.
type ConfigError struct {
	TaskID string // Empty for workflow-level settings
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid ")
	if e.TaskID != "" {
		fmt.Fprintf(&b, "task %q ", e.TaskID)
	}
	b.WriteString(e.Field)
	if e.Value != "" {
		fmt.Fprintf(&b, " %s", e.Value)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}
