package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.SSH.MaxWorkers != 5 {
		t.Errorf("default ssh.max_workers = %d, want 5", cfg.SSH.MaxWorkers)
	}
	if !cfg.RPKI.Enabled {
		t.Error("default rpki.enabled should be true")
	}
	if !cfg.RPKI.FailClosed {
		t.Error("default rpki.fail_closed should be true")
	}
	if cfg.RPKI.MaxVRPAgeHours != 24 {
		t.Errorf("default rpki.max_vrp_age_hours = %d, want 24", cfg.RPKI.MaxVRPAgeHours)
	}
	if cfg.Cache.DefaultTTL != 3600 {
		t.Errorf("default cache.default_ttl_seconds = %d, want 3600", cfg.Cache.DefaultTTL)
	}
	if cfg.NETCONF.ConfirmTimeoutS != 120 {
		t.Errorf("default netconf.confirm_timeout_seconds = %d, want 120", cfg.NETCONF.ConfirmTimeoutS)
	}
	if cfg.Rollout.DefaultConcurrency != 5 {
		t.Errorf("default rollout.default_concurrency = %d, want 5", cfg.Rollout.DefaultConcurrency)
	}
	if cfg.Guardrail.Mode != "manual" {
		t.Errorf("default guardrail.mode = %s, want manual", cfg.Guardrail.Mode)
	}
	if !hasRule(cfg.Guardrail.ActiveRules, "rpki_validation") {
		t.Error("default guardrail rules must include rpki_validation")
	}
	if cfg.Timeouts.ProcessSeconds != 30 {
		t.Errorf("default timeouts.process_seconds = %d, want 30", cfg.Timeouts.ProcessSeconds)
	}
	if cfg.Timeouts.RPKISeconds != 120 {
		t.Errorf("default timeouts.rpki_seconds = %d, want 120", cfg.Timeouts.RPKISeconds)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero ssh workers",
			modify:  func(c *Config) { c.SSH.MaxWorkers = 0 },
			wantErr: true,
		},
		{
			name:    "zero vrp age",
			modify:  func(c *Config) { c.RPKI.MaxVRPAgeHours = 0 },
			wantErr: true,
		},
		{
			name:    "invalid guardrail mode",
			modify:  func(c *Config) { c.Guardrail.Mode = "turbo" },
			wantErr: true,
		},
		{
			name: "rpki enabled without rpki_validation rule",
			modify: func(c *Config) {
				c.RPKI.Enabled = true
				c.Guardrail.ActiveRules = []string{"prefix_count"}
			},
			wantErr: true,
		},
		{
			name: "rpki disabled without rpki_validation rule is fine",
			modify: func(c *Config) {
				c.RPKI.Enabled = false
				c.Guardrail.ActiveRules = []string{"prefix_count"}
			},
			wantErr: false,
		},
		{
			name:    "autonomous mode valid",
			modify:  func(c *Config) { c.Guardrail.Mode = "autonomous" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	yamlDoc := `
log_level: debug
ssh:
  username: otto
  max_workers: 8
  device_list_path: inventory.csv
rpki:
  enabled: true
  max_vrp_age_hours: 12
cache:
  redis_addr: "cache.internal:6379"
  default_ttl_seconds: 1800
guardrail:
  active_rules:
    - prefix_count
    - rpki_validation
  mode: autonomous
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}

	if cfg.SSH.Username != "otto" {
		t.Errorf("ssh.username = %s, want otto", cfg.SSH.Username)
	}
	if cfg.SSH.MaxWorkers != 8 {
		t.Errorf("ssh.max_workers = %d, want 8", cfg.SSH.MaxWorkers)
	}
	if cfg.RPKI.MaxVRPAgeHours != 12 {
		t.Errorf("rpki.max_vrp_age_hours = %d, want 12", cfg.RPKI.MaxVRPAgeHours)
	}
	if cfg.Cache.DefaultTTL != 1800 {
		t.Errorf("cache.default_ttl_seconds = %d, want 1800", cfg.Cache.DefaultTTL)
	}
	if cfg.Guardrail.Mode != "autonomous" {
		t.Errorf("guardrail.mode = %s, want autonomous", cfg.Guardrail.Mode)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("{{{{invalid"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFromFile(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadFromFile_InvalidAfterMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(path, []byte("ssh:\n  max_workers: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFromFile(path)
	if err == nil {
		t.Error("expected validation error for ssh.max_workers: 0")
	}
}

func TestSaveToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSH.Username = "rollout-bot"

	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}

	if loaded.SSH.Username != "rollout-bot" {
		t.Errorf("reloaded ssh.username = %s, want rollout-bot", loaded.SSH.Username)
	}
}

func TestGuardrailConfigThreadSafe(t *testing.T) {
	cfg := DefaultConfig()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			cfg.SetGuardrailConfig(GuardrailConfig{Mode: "manual", PrefixCountMax: i})
		}
		close(done)
	}()

	for i := 0; i < 1000; i++ {
		_ = cfg.GetGuardrailConfig()
	}
	<-done
}
