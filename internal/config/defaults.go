package config

import (
	"errors"
	"strconv"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:         4,
		Parallel:           true,
		DefaultTimeout:     Duration(300 * time.Second),
		LongRunningTimeout: Duration(time.Hour),
		DefaultRetryCount:  0,
		RetryDelay:         Duration(time.Second),
		BreakerCooldown:    Duration(30 * time.Second),
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate rejects values the engine cannot run with. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxWorkers < 1 {
		errs = append(errs, &scheduler.ConfigError{Field: "max_workers", Value: strconv.Itoa(c.MaxWorkers), Reason: "must be at least 1"})
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "default_timeout", Value: c.DefaultTimeout.String(), Reason: "must be positive"})
	}
	if c.LongRunningTimeout < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "long_running_timeout", Value: c.LongRunningTimeout.String(), Reason: "must not be negative"})
	}
	if c.DefaultRetryCount < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "default_retry_count", Value: strconv.Itoa(c.DefaultRetryCount), Reason: "must not be negative"})
	}
	if c.RetryDelay < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "retry_delay", Value: c.RetryDelay.String(), Reason: "must not be negative"})
	}
	if c.BreakerThreshold < 0 {
		errs = append(errs, &scheduler.ConfigError{Field: "breaker_threshold", Value: strconv.Itoa(c.BreakerThreshold), Reason: "must not be negative"})
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, &scheduler.ConfigError{Field: "log_level", Value: c.LogLevel, Reason: "must be debug, info, warn or error"})
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, &scheduler.ConfigError{Field: "log_format", Value: c.LogFormat, Reason: "must be text or json"})
	}

	return errors.Join(errs...)
}
