package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	def := DefaultConfig()
	if cfg.Agents.Defaults.Model != def.Agents.Defaults.Model {
		t.Errorf("expected default model %q, got %q", def.Agents.Defaults.Model, cfg.Agents.Defaults.Model)
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"agents": map[string]any{
			"defaults": map[string]any{
				"model":     "openai/gpt-4o",
				"maxTokens": 4096,
			},
		},
		"scheduler": map[string]any{"tickSeconds": 2, "catchUp": "skip"},
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agents.Defaults.Model != "openai/gpt-4o" {
		t.Errorf("expected model %q, got %q", "openai/gpt-4o", cfg.Agents.Defaults.Model)
	}
	if cfg.Scheduler.TickSeconds != 2 || cfg.Scheduler.CatchUp != "skip" {
		t.Errorf("scheduler overrides not applied: %+v", cfg.Scheduler)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error for invalid JSON (falls back to default), got: %v", err)
	}
	def := DefaultConfig()
	if cfg.Agents.Defaults.Model != def.Agents.Defaults.Model {
		t.Errorf("expected default model %q, got %q", def.Agents.Defaults.Model, cfg.Agents.Defaults.Model)
	}
}

func TestLoad_PartialConfig_UsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"selfAgent": map[string]any{"enabled": true},
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.SelfAgent.Enabled {
		t.Error("expected selfAgent.enabled = true")
	}
	def := DefaultConfig()
	if cfg.SelfAgent.Marker != def.SelfAgent.Marker {
		t.Errorf("expected default marker %q, got %q", def.SelfAgent.Marker, cfg.SelfAgent.Marker)
	}
	if cfg.Bus.QueueSize != def.Bus.QueueSize {
		t.Errorf("expected default queueSize %d, got %d", def.Bus.QueueSize, cfg.Bus.QueueSize)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := DefaultConfig()
	original.Agents.Defaults.Model = "deepseek/deepseek-chat"
	original.Locks.LeaseMs = 10_000

	if err := Save(&original, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Agents.Defaults.Model != original.Agents.Defaults.Model {
		t.Errorf("model mismatch: got %q, want %q", loaded.Agents.Defaults.Model, original.Agents.Defaults.Model)
	}
	if loaded.Locks.LeaseMs != 10_000 {
		t.Errorf("leaseMs mismatch: got %d", loaded.Locks.LeaseMs)
	}
}

func TestMatchProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant"
	cfg.Providers.Custom.APIKey = "sk-custom"

	name, p := cfg.MatchProvider("anthropic/claude-sonnet-4-5")
	if name != "anthropic" || p.APIKey != "sk-ant" {
		t.Errorf("expected anthropic match, got %q %q", name, p.APIKey)
	}

	name, p = cfg.MatchProvider("somewhere/some-model")
	if name != "custom" || p.APIKey != "sk-custom" {
		t.Errorf("expected custom fallback, got %q %q", name, p.APIKey)
	}
}
