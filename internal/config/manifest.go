package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FunctionSpec declares one named function exposed to the model.
type FunctionSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Source      string         `yaml:"source,omitempty"`
	Priority    int            `yaml:"priority,omitempty"`
	InputSchema map[string]any `yaml:"input_schema,omitempty"`
}

// SchemaJSON renders the YAML-declared input schema as JSON for the provider.
func (s FunctionSpec) SchemaJSON() (json.RawMessage, error) {
	if len(s.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}
	b, err := json.Marshal(s.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("function %s: invalid input_schema: %w", s.Name, err)
	}
	return b, nil
}

type functionManifest struct {
	Functions []FunctionSpec `yaml:"functions"`
}

// LoadFunctionManifest parses a functions.yaml manifest.
func LoadFunctionManifest(path string) ([]FunctionSpec, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing manifest path")
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseFunctionManifest(raw)
}

// ParseFunctionManifest parses manifest bytes and validates the entries.
func ParseFunctionManifest(raw []byte) ([]FunctionSpec, error) {
	var m functionManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Functions))
	out := make([]FunctionSpec, 0, len(m.Functions))
	for _, fn := range m.Functions {
		fn.Name = strings.TrimSpace(fn.Name)
		if fn.Name == "" {
			return nil, errors.New("invalid manifest: function with empty name")
		}
		if _, dup := seen[fn.Name]; dup {
			return nil, fmt.Errorf("invalid manifest: duplicate function %q", fn.Name)
		}
		seen[fn.Name] = struct{}{}
		out = append(out, fn)
	}
	return out, nil
}
