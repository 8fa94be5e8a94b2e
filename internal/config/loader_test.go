package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name           string
		global         string // file name; empty means no file
		globalBody     string
		project        string
		projectBody    string
		expectWorkers  int
		expectTimeout  time.Duration
		expectRetries  int
		expectDelay    time.Duration
		expectParallel bool
		expectError    bool
	}{
		{
			name:           "No config files - returns defaults",
			expectWorkers:  4,
			expectTimeout:  300 * time.Second,
			expectRetries:  0,
			expectDelay:    time.Second,
			expectParallel: true,
		},
		{
			name:           "Global YAML only - overrides workers and timeout",
			global:         "global.yaml",
			globalBody:     "max_workers: 8\ndefault_timeout: 45s\n",
			expectWorkers:  8,
			expectTimeout:  45 * time.Second,
			expectDelay:    time.Second,
			expectParallel: true,
		},
		{
			name:           "Project JSON only - numeric seconds",
			project:        "project.json",
			projectBody:    `{"default_timeout": 12, "retry_delay": 0.5, "default_retry_count": 2}`,
			expectWorkers:  4,
			expectTimeout:  12 * time.Second,
			expectRetries:  2,
			expectDelay:    500 * time.Millisecond,
			expectParallel: true,
		},
		{
			name:           "Project overrides global - project wins",
			global:         "global.yaml",
			globalBody:     "max_workers: 8\nparallel: true\ndefault_retry_count: 5\n",
			project:        "project.yml",
			projectBody:    "max_workers: 2\nparallel: false\n",
			expectWorkers:  2,
			expectTimeout:  300 * time.Second,
			expectRetries:  5,
			expectDelay:    time.Second,
			expectParallel: false,
		},
		{
			name:        "Invalid value - rejected",
			project:     "project.yaml",
			projectBody: "default_timeout: 0s\n",
			expectError: true,
		},
		{
			name:        "Bad duration string",
			global:      "global.json",
			globalBody:  `{"retry_delay": "soon"}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.global != "" {
				globalPath = writeFile(t, tmpDir, tt.global, tt.globalBody)
			}
			projectPath := ""
			if tt.project != "" {
				projectPath = writeFile(t, tmpDir, tt.project, tt.projectBody)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.MaxWorkers != tt.expectWorkers {
				t.Errorf("max_workers = %d, want %d", cfg.MaxWorkers, tt.expectWorkers)
			}
			if cfg.DefaultTimeout.Std() != tt.expectTimeout {
				t.Errorf("default_timeout = %v, want %v", cfg.DefaultTimeout, tt.expectTimeout)
			}
			if cfg.DefaultRetryCount != tt.expectRetries {
				t.Errorf("default_retry_count = %d, want %d", cfg.DefaultRetryCount, tt.expectRetries)
			}
			if cfg.RetryDelay.Std() != tt.expectDelay {
				t.Errorf("retry_delay = %v, want %v", cfg.RetryDelay, tt.expectDelay)
			}
			if cfg.Parallel != tt.expectParallel {
				t.Errorf("parallel = %v, want %v", cfg.Parallel, tt.expectParallel)
			}
		})
	}
}

func TestLoad_MalformedFiles(t *testing.T) {
	for _, name := range []string{"global.json", "global.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), name, "{invalid: [")

			if _, err := Load(path, ""); err == nil {
				t.Fatal("expected error for malformed config, got nil")
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("max_workers = %d, want 4", cfg.MaxWorkers)
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWorkers = 0
	cfg.RetryDelay = Duration(-time.Second)
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	var cfgErr *scheduler.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *scheduler.ConfigError in %v", err)
	}
	for _, field := range []string{"max_workers", "retry_delay", "log_format"} {
		if !containsField(err, field) {
			t.Errorf("validation error does not mention %s: %v", field, err)
		}
	}
}

func containsField(err error, field string) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return false
	}
	for _, e := range joined.Unwrap() {
		var cfgErr *scheduler.ConfigError
		if errors.As(e, &cfgErr) && cfgErr.Field == field {
			return true
		}
	}
	return false
}

func TestFindConfigPrefersExisting(t *testing.T) {
	dir := t.TempDir()
	if got := findConfig(dir); got != filepath.Join(dir, "config.yaml") {
		t.Errorf("findConfig() on empty dir = %q", got)
	}

	writeFile(t, dir, "config.json", "{}")
	if got := findConfig(dir); got != filepath.Join(dir, "config.json") {
		t.Errorf("findConfig() = %q, want config.json", got)
	}
}
