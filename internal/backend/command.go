package backend

import (
	"context"
	"os"
	"strings"
)

// Command is a task action that runs a subprocess. It implements
// scheduler.Action.
type Command struct {
	Name    string          // Executable
	Args    []string        // Arguments
	Dir     string          // Working directory; empty means the current one
	Env     []string        // Extra KEY=VALUE pairs on top of the parent environment
	Manager *ProcessManager // Optional; tracks the process while it runs
}

// Output is the value returned by a successful Command.
type Output struct {
	Stdout string
	Stderr string
}

// String returns stdout without surrounding whitespace.
func (o Output) String() string {
	return strings.TrimSpace(o.Stdout)
}

// NewCommand creates a command action for name with args.
func NewCommand(pm *ProcessManager, name string, args ...string) *Command {
	return &Command{Name: name, Args: args, Manager: pm}
}

// Shell creates a command action that runs script with sh -c.
func Shell(pm *ProcessManager, script string) *Command {
	return NewCommand(pm, "sh", "-c", script)
}

// Invoke runs the command to completion. Cancelling ctx kills the whole
// process group. A non-zero exit status is returned as an error that
// includes stderr.
func (c *Command) Invoke(ctx context.Context) (any, error) {
	cmd := newCommand(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdout, stderr, err := executeCommand(ctx, cmd, c.Manager)
	if err != nil {
		return nil, err
	}
	return Output{Stdout: string(stdout), Stderr: string(stderr)}, nil
}

// String describes the command line.
func (c *Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}
