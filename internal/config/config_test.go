package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("http_port = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Turns.MaxSteps != 6 {
		t.Errorf("max_steps default = %d, want 6", cfg.Turns.MaxSteps)
	}
	if cfg.Turns.PerStepTimeout != 20*time.Second {
		t.Errorf("per_step_timeout default = %s, want 20s", cfg.Turns.PerStepTimeout)
	}
	if cfg.Turns.TotalTimeout != 2*time.Minute {
		t.Errorf("total_timeout default = %s, want 2m", cfg.Turns.TotalTimeout)
	}
	if cfg.Turns.PostTerminalRetention != 30*time.Second {
		t.Errorf("post_terminal_retention default = %s, want 30s", cfg.Turns.PostTerminalRetention)
	}
	if cfg.Turns.EventQueueSoftCap != 1024 {
		t.Errorf("event_queue_soft_cap default = %d, want 1024", cfg.Turns.EventQueueSoftCap)
	}
	if cfg.Approvals.Timeout != 5*time.Minute {
		t.Errorf("approvals.timeout default = %s, want 5m", cfg.Approvals.Timeout)
	}
	if cfg.Turns.VerboseFooter {
		t.Error("verbose_footer should default to false")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("GW_TEST_TOKEN", "sekrit")
	path := writeConfig(t, "server:\n  auth_token: ${GW_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.AuthToken != "sekrit" {
		t.Errorf("auth_token = %q, want sekrit", cfg.Server.AuthToken)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"approval timeout below floor", "approvals:\n  timeout: 500ms\n"},
		{"sampling rate above one", "observability:\n  sampling_rate: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", cfg.LLM.DefaultProvider)
	}
}
