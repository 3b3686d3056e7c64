package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config configures the Quill client engine.
//
// Notes:
//   - Secrets (API keys) must never be stored in this file. The engine reads
//     the key from the environment variable named by api_key_env.
//   - Field names are snake_case to match the rest of the client config
//     surface.
type Config struct {
	// Model is the model variant requests are sent to.
	Model string `json:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to OPENAI_API_KEY.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// BaseURL overrides the service endpoint. Empty means provider default.
	BaseURL string `json:"base_url,omitempty"`

	// StreamingEnabled selects streaming turns; one-shot calls are used when
	// false. Defaults to true.
	StreamingEnabled *bool `json:"streaming_enabled,omitempty"`

	// ReplayReasoning forces replay of cached intermediate reasoning state on
	// resume. When unset, replay is derived from the model variant.
	ReplayReasoning *bool `json:"replay_reasoning,omitempty"`

	// StrictComputerUse disables the loop-prevention heuristics of the
	// control-action resolution loop. In strict mode every model-requested
	// action executes until the iteration bound.
	StrictComputerUse bool `json:"strict_computer_use,omitempty"`

	// ComputerUse configures the control-action executor.
	ComputerUse *ComputerUseConfig `json:"computer_use,omitempty"`

	// FunctionsManifest is the path to the YAML manifest declaring the named
	// functions exposed to the model. Relative paths resolve against the
	// config file's directory.
	FunctionsManifest string `json:"functions_manifest,omitempty"`

	// StateDir holds engine-owned local state (artifact cache). Defaults to
	// the directory of the config file.
	StateDir string `json:"state_dir,omitempty"`
}

// ComputerUseConfig configures the sandboxed browser backend used to execute
// control actions.
type ComputerUseConfig struct {
	Enabled bool `json:"enabled"`

	// DebugURL is the DevTools endpoint of an already-running browser.
	// Empty means a locally launched instance.
	DebugURL string `json:"debug_url,omitempty"`

	DisplayWidth  int `json:"display_width,omitempty"`
	DisplayHeight int `json:"display_height,omitempty"`

	// Environment is reported to the model: "browser"|"mac"|"windows"|"ubuntu".
	Environment string `json:"environment,omitempty"`
}

const (
	defaultAPIKeyEnv     = "OPENAI_API_KEY"
	defaultDisplayWidth  = 1280
	defaultDisplayHeight = 800
	defaultEnvironment   = "browser"
)

// DefaultConfigPath returns the per-user config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "config.json"
	}
	return filepath.Join(home, ".quill", "config.json")
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing config path")
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Dir(p)
	}
	if cfg.FunctionsManifest != "" && !filepath.IsAbs(cfg.FunctionsManifest) {
		cfg.FunctionsManifest = filepath.Join(filepath.Dir(p), cfg.FunctionsManifest)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("invalid config: missing model")
	}
	if cu := c.ComputerUse; cu != nil && cu.Enabled {
		switch strings.TrimSpace(cu.Environment) {
		case "", "browser", "mac", "windows", "ubuntu":
		default:
			return fmt.Errorf("invalid config: unsupported computer_use.environment %q", cu.Environment)
		}
		if cu.DisplayWidth < 0 || cu.DisplayHeight < 0 {
			return errors.New("invalid config: negative computer_use display size")
		}
	}
	return nil
}

func (c *Config) EffectiveAPIKeyEnv() string {
	if c == nil {
		return defaultAPIKeyEnv
	}
	if v := strings.TrimSpace(c.APIKeyEnv); v != "" {
		return v
	}
	return defaultAPIKeyEnv
}

func (c *Config) EffectiveStreamingEnabled() bool {
	if c == nil || c.StreamingEnabled == nil {
		return true
	}
	return *c.StreamingEnabled
}

// EffectiveReplayReasoning reports whether resumes must replay cached
// intermediate reasoning state. Reasoning-first model variants require it.
func (c *Config) EffectiveReplayReasoning() bool {
	if c == nil {
		return false
	}
	if c.ReplayReasoning != nil {
		return *c.ReplayReasoning
	}
	model := strings.ToLower(strings.TrimSpace(c.Model))
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4")
}

func (c *ComputerUseConfig) EffectiveDisplayWidth() int {
	if c == nil || c.DisplayWidth <= 0 {
		return defaultDisplayWidth
	}
	return c.DisplayWidth
}

func (c *ComputerUseConfig) EffectiveDisplayHeight() int {
	if c == nil || c.DisplayHeight <= 0 {
		return defaultDisplayHeight
	}
	return c.DisplayHeight
}

func (c *ComputerUseConfig) EffectiveEnvironment() string {
	if c == nil {
		return defaultEnvironment
	}
	if v := strings.TrimSpace(c.Environment); v != "" {
		return v
	}
	return defaultEnvironment
}
