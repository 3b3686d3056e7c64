package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeConfig(t, dir, `{
		"model": "gpt-4o",
		"functions_manifest": "functions.yaml"
	}`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "gpt-4o" {
		t.Fatalf("model = %q", cfg.Model)
	}
	if want := filepath.Join(dir, "functions.yaml"); cfg.FunctionsManifest != want {
		t.Fatalf("manifest path = %q; want %q", cfg.FunctionsManifest, want)
	}
	// StateDir defaults to the config directory.
	if cfg.StateDir != dir {
		t.Fatalf("state dir = %q; want %q", cfg.StateDir, dir)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing model", `{}`, "missing model"},
		{"bad json", `{`, "parse config"},
		{"bad environment", `{"model":"gpt-4o","computer_use":{"enabled":true,"environment":"solaris"}}`, "unsupported computer_use.environment"},
		{"negative size", `{"model":"gpt-4o","computer_use":{"enabled":true,"display_width":-1}}`, "negative computer_use display size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := filepath.Join(dir, strings.ReplaceAll(tc.name, " ", "_"))
			if err := os.MkdirAll(sub, 0o700); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			p := writeConfig(t, sub, tc.body)
			if _, err := Load(p); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load error = %v; want %q", err, tc.want)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "does-not-exist.json")); err == nil {
		t.Fatalf("missing file must fail")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("empty path must fail")
	}
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	if nilCfg.EffectiveAPIKeyEnv() != "OPENAI_API_KEY" {
		t.Fatalf("nil config api key env")
	}
	if !nilCfg.EffectiveStreamingEnabled() {
		t.Fatalf("streaming must default on")
	}
	if nilCfg.EffectiveReplayReasoning() {
		t.Fatalf("nil config must not replay reasoning")
	}

	off := false
	cfg := &Config{Model: "gpt-4o", APIKeyEnv: " MY_KEY ", StreamingEnabled: &off}
	if cfg.EffectiveAPIKeyEnv() != "MY_KEY" {
		t.Fatalf("api key env = %q", cfg.EffectiveAPIKeyEnv())
	}
	if cfg.EffectiveStreamingEnabled() {
		t.Fatalf("explicit false must win")
	}

	var nilCU *ComputerUseConfig
	if nilCU.EffectiveDisplayWidth() != 1280 || nilCU.EffectiveDisplayHeight() != 800 || nilCU.EffectiveEnvironment() != "browser" {
		t.Fatalf("computer-use defaults wrong")
	}
	cu := &ComputerUseConfig{DisplayWidth: 1024, DisplayHeight: 768, Environment: "ubuntu"}
	if cu.EffectiveDisplayWidth() != 1024 || cu.EffectiveDisplayHeight() != 768 || cu.EffectiveEnvironment() != "ubuntu" {
		t.Fatalf("explicit computer-use values not honored")
	}
}

func TestEffectiveReplayReasoning(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", false},
		{"o1-preview", true},
		{"o3-mini", true},
		{"O4-mini", true},
		{"omega-1", false},
	}
	for _, tc := range cases {
		cfg := &Config{Model: tc.model}
		if got := cfg.EffectiveReplayReasoning(); got != tc.want {
			t.Fatalf("model %q replay = %v; want %v", tc.model, got, tc.want)
		}
	}

	// Explicit setting overrides the model heuristic both ways.
	on, off := true, false
	if cfg := (&Config{Model: "gpt-4o", ReplayReasoning: &on}); !cfg.EffectiveReplayReasoning() {
		t.Fatalf("explicit true ignored")
	}
	if cfg := (&Config{Model: "o3-mini", ReplayReasoning: &off}); cfg.EffectiveReplayReasoning() {
		t.Fatalf("explicit false ignored")
	}
}
