package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads either a Go duration string
// ("1m30s") or a plain number of seconds from config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "30s" or 30.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.parse(v)
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts "30s" or 30.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	switch value.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	default:
		return d.parse(value.Value)
	}
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the resolved runtime configuration handed to the engine.
type Config struct {
	MaxWorkers         int      `json:"max_workers" yaml:"max_workers"`                   // Worker pool size in parallel mode
	Parallel           bool     `json:"parallel" yaml:"parallel"`                         // Run independent tasks concurrently
	DefaultTimeout     Duration `json:"default_timeout" yaml:"default_timeout"`           // Per-attempt timeout
	LongRunningTimeout Duration `json:"long_running_timeout" yaml:"long_running_timeout"` // Timeout for tasks flagged long_running
	DefaultRetryCount  int      `json:"default_retry_count" yaml:"default_retry_count"`   // Retries after the first attempt
	RetryDelay         Duration `json:"retry_delay" yaml:"retry_delay"`                   // Pause between attempts
	BreakerThreshold   int      `json:"breaker_threshold,omitempty" yaml:"breaker_threshold,omitempty"`
	BreakerCooldown    Duration `json:"breaker_cooldown,omitempty" yaml:"breaker_cooldown,omitempty"`
	InterruptOnCancel  bool     `json:"interrupt_on_cancel,omitempty" yaml:"interrupt_on_cancel,omitempty"`
	LogLevel           string   `json:"log_level" yaml:"log_level"`   // debug, info, warn, error
	LogFormat          string   `json:"log_format" yaml:"log_format"` // text or json
	DatabasePath       string   `json:"database_path,omitempty" yaml:"database_path,omitempty"`
}
