package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, and validates a YAML test file.
func Load(filename string) (*TestSpec, error) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read test file '%s': %w", filename, err)
	}
	return Parse(fileBytes, filename)
}

// Parse parses and validates test-file bytes. The name argument is only
// used in error messages.
func Parse(data []byte, name string) (*TestSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// Unknown keys in a stage spec indicate a typo or a misplaced directive
	// and are rejected rather than silently ignored.
	dec.KnownFields(true)

	var spec TestSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in '%s': %w", name, err)
	}

	if spec.Settings.Logging.Level == "" {
		spec.Settings.Logging.Level = "info"
	}

	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
