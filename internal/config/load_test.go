package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.ContextSoftLimit != 40000 {
		t.Errorf("contextSoftLimit = %d, want 40000", cfg.Agents.ContextSoftLimit)
	}
	if cfg.Routing.MaxRetries != 5 {
		t.Errorf("maxRetries = %d, want 5", cfg.Routing.MaxRetries)
	}
	if !cfg.Routing.FallbackOnRateLimitOn() || cfg.Routing.FallbackOnErrorOn() || !cfg.Routing.FallbackOnContextOverflowOn() {
		t.Error("fallback flag defaults wrong")
	}
}

func TestLoad_JSON5Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// comments are fine in json5
		routing: { maxRetries: 2, fallbackOnError: true },
		execution: { shell: "deny" },
		swarm: { maxTier2Agents: 1 },
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Routing.MaxRetries != 2 {
		t.Errorf("maxRetries = %d, want 2", cfg.Routing.MaxRetries)
	}
	if !cfg.Routing.FallbackOnErrorOn() {
		t.Error("fallbackOnError should be true")
	}
	if cfg.Execution.Shell != "deny" {
		t.Errorf("shell = %q, want deny", cfg.Execution.Shell)
	}
	if cfg.Swarm.MaxTier2Agents != 1 {
		t.Errorf("maxTier2Agents = %d, want 1", cfg.Swarm.MaxTier2Agents)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"retries too high", `{routing: {maxRetries: 11}}`},
		{"bad shell policy", `{execution: {shell: "yolo"}}`},
		{"malformed", `{routing:`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json5")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWARMGATE_TOKEN", "sekrit")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Token != "sekrit" {
		t.Errorf("token = %q, want sekrit", cfg.Gateway.Token)
	}
}
