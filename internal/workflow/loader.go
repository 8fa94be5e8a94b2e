package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Parse decodes a workflow definition from YAML or JSON bytes. Unknown
// fields are rejected so typos in a task surface as errors.
func Parse(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflow: definition payload is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("workflow: decode definition: %w", err)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("workflow: definition has no tasks")
	}
	return &def, nil
}

// Load reads a workflow file. Relative task directories are resolved
// against the file's directory.
func Load(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, err)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("workflow: resolve %s: %w", path, err)
	}
	def.baseDir = abs
	if def.Name == "" {
		def.Name = filepath.Base(path)
	}
	return def, nil
}
