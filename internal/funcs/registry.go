// Package funcs is the named-function side of the tool surface: a registry of
// declared functions and the executor the engine routes function calls
// through.
package funcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler executes one function call with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Def declares a callable function as advertised to the model.
type Def struct {
	Name        string
	Description string
	Source      string
	Priority    int
	// InputSchema is a JSON Schema object; empty means unconstrained.
	InputSchema json.RawMessage
}

// rank orders registration sources for tie-breaking; unknown sources rank
// below all known ones.
func (d Def) rank() int {
	switch d.Source {
	case "builtin":
		return 3
	case "manifest":
		return 2
	case "plugin":
		return 1
	}
	return 0
}

// outranks reports whether d wins a name collision against other. Priority
// decides first, source rank second; an exact tie is a configuration error.
func (d Def) outranks(other Def) (bool, error) {
	if d.Priority != other.Priority {
		return d.Priority > other.Priority, nil
	}
	if d.rank() != other.rank() {
		return d.rank() > other.rank(), nil
	}
	return false, fmt.Errorf("function_registry_conflict: duplicate function %q with same priority/source", other.Name)
}

type entry struct {
	def     Def
	handler Handler
}

// Registry is a thread-safe function registry implementing the engine's
// function-executor contract.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a function under its trimmed name. When the name is already
// taken the higher-ranked declaration wins and the loser is dropped silently;
// an exact rank tie is reported as an error.
func (r *Registry) Register(def Def, handler Handler) error {
	if r == nil {
		return errors.New("nil function registry")
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.New("function name is required")
	}
	if handler == nil {
		return fmt.Errorf("function %s missing handler", def.Name)
	}
	def.Source = strings.ToLower(strings.TrimSpace(def.Source))
	if def.Source == "" {
		def.Source = "builtin"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, taken := r.entries[def.Name]; taken {
		wins, err := def.outranks(current.def)
		if err != nil || !wins {
			return err
		}
	}
	r.entries[def.Name] = entry{def: def, handler: handler}
	return nil
}

func (r *Registry) Unregister(name string) {
	if r == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Snapshot returns the declared functions, highest priority first, names
// alphabetical within a priority.
func (r *Registry) Snapshot() []Def {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Execute resolves and runs a named function with raw JSON arguments. Unknown
// names and malformed arguments are errors; the engine renders them as
// textual outputs so the model can react.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	if r == nil {
		return "", errors.New("nil function registry")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("unknown function: empty name")
	}

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown function: %s", name)
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(argsJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", fmt.Errorf("invalid JSON arguments for %s: %w", name, err)
		}
	}
	if err := checkArgs(e.def.InputSchema, args); err != nil {
		return "", fmt.Errorf("invalid argument for %s: %w", name, err)
	}
	return e.handler(ctx, args)
}

// inputSchema is the subset of JSON Schema the registry enforces: required
// fields and per-property primitive types. Anything else in the declared
// schema passes through to the model unchecked.
type inputSchema struct {
	Required   []string `json:"required"`
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

// checkArgs validates decoded arguments against the declared schema. A schema
// that does not parse is treated as unconstrained rather than failing the
// call.
func checkArgs(raw json.RawMessage, args map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	var schema inputSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	for _, field := range schema.Required {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if _, present := args[field]; !present {
			return fmt.Errorf("missing required field: %s", field)
		}
	}
	for key, val := range args {
		prop, declared := schema.Properties[key]
		if !declared {
			continue
		}
		want := strings.ToLower(strings.TrimSpace(prop.Type))
		if want == "" {
			continue
		}
		if !jsonValueIs(want, val) {
			return fmt.Errorf("invalid type for %s: expected %s", key, want)
		}
	}
	return nil
}

// jsonValueIs matches a json.Unmarshal-decoded value against a schema type
// name. Unrecognized type names match everything.
func jsonValueIs(typeName string, v any) bool {
	switch typeName {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer", "number":
		switch v.(type) {
		case float64, json.Number:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	}
	return true
}
