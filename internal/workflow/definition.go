// Package workflow reads task graphs from YAML or JSON files and turns them
// into scheduler descriptors backed by subprocess actions.
package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/aristath/taskflow/internal/backend"
	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/scheduler"
)

// Definition is a workflow file.
type Definition struct {
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Tasks       []TaskDef `yaml:"tasks" json:"tasks"`

	// baseDir resolves relative task directories; set by Load.
	baseDir string
}

// TaskDef describes one task. Exactly one of Run and Command must be set.
type TaskDef struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name,omitempty" json:"name,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Run         string            `yaml:"run,omitempty" json:"run,omitempty"`         // Shell script, run with sh -c
	Command     []string          `yaml:"command,omitempty" json:"command,omitempty"` // Executable and arguments
	Dir         string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout     config.Duration   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	LongRunning bool              `yaml:"long_running,omitempty" json:"long_running,omitempty"`
	MaxAttempts int               `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	RetryDelay  *config.Duration  `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	Resources   []string          `yaml:"resources,omitempty" json:"resources,omitempty"`
	Group       string            `yaml:"group,omitempty" json:"group,omitempty"`
}

// Validate checks what the file format itself requires. Graph structure
// (duplicates, unknown dependencies, cycles) is left to scheduler.Build.
func (d *Definition) Validate() error {
	var errs []error
	for i, t := range d.Tasks {
		id := t.ID
		if id == "" {
			errs = append(errs, &scheduler.ConfigError{Field: "id", Value: "#" + strconv.Itoa(i+1), Reason: "must not be empty"})
			continue
		}
		switch {
		case t.Run == "" && len(t.Command) == 0:
			errs = append(errs, &scheduler.ConfigError{TaskID: id, Field: "run", Reason: "either run or command is required"})
		case t.Run != "" && len(t.Command) > 0:
			errs = append(errs, &scheduler.ConfigError{TaskID: id, Field: "command", Reason: "cannot be combined with run"})
		}
		if t.Timeout < 0 {
			errs = append(errs, &scheduler.ConfigError{TaskID: id, Field: "timeout", Value: t.Timeout.String(), Reason: "must be positive"})
		}
		if t.MaxAttempts < 0 {
			errs = append(errs, &scheduler.ConfigError{TaskID: id, Field: "max_attempts", Value: strconv.Itoa(t.MaxAttempts), Reason: "must be at least 1"})
		}
	}
	return errors.Join(errs...)
}

// Descriptors converts the definition into scheduler descriptors in file
// order. Every action runs as a subprocess tracked by pm.
func (d *Definition) Descriptors(pm *backend.ProcessManager) ([]scheduler.Descriptor, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", d.Name, err)
	}

	descs := make([]scheduler.Descriptor, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		var cmd *backend.Command
		if t.Run != "" {
			cmd = backend.Shell(pm, t.Run)
		} else {
			cmd = backend.NewCommand(pm, t.Command[0], t.Command[1:]...)
		}
		cmd.Dir = d.resolveDir(t.Dir)
		cmd.Env = envList(t.Env)

		desc := scheduler.Descriptor{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Action:      cmd,
			DependsOn:   t.DependsOn,
			Timeout:     t.Timeout.Std(),
			LongRunning: t.LongRunning,
			MaxAttempts: t.MaxAttempts,
			Resources:   t.Resources,
			Group:       t.Group,
		}
		if desc.Description == "" {
			desc.Description = "Task: " + desc.DisplayName()
		}
		if t.RetryDelay != nil {
			desc.RetryDelay = scheduler.Delay(time.Duration(*t.RetryDelay))
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

func (d *Definition) resolveDir(dir string) string {
	if dir == "" {
		return d.baseDir
	}
	if filepath.IsAbs(dir) || d.baseDir == "" {
		return dir
	}
	return filepath.Join(d.baseDir, dir)
}

// envList renders env as KEY=VALUE pairs sorted by key.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
