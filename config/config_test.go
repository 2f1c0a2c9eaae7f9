package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := unmarshal(v)
	if err != nil {
		t.Fatalf("Failed to unmarshal defaults: %v", err)
	}

	if cfg.Server.Port != 8040 {
		t.Errorf("Expected default port 8040, got %d", cfg.Server.Port)
	}
	if cfg.Queue.ConcurrencyLimit != 4 {
		t.Errorf("Expected default concurrency 4, got %d", cfg.Queue.ConcurrencyLimit)
	}
	if cfg.Queue.MaxQueueSize != 50 {
		t.Errorf("Expected default queue size 50, got %d", cfg.Queue.MaxQueueSize)
	}
	if cfg.Database.Path != "pabawi.db" {
		t.Errorf("Expected default database path pabawi.db, got %s", cfg.Database.Path)
	}
	if cfg.Runner.Backend != "shell" {
		t.Errorf("Expected default backend shell, got %s", cfg.Runner.Backend)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := unmarshal(v)
		if err != nil {
			t.Fatalf("Failed to build base config: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Queue.ConcurrencyLimit = 0 }},
		{"negative concurrency", func(c *Config) { c.Queue.ConcurrencyLimit = -1 }},
		{"negative queue size", func(c *Config) { c.Queue.MaxQueueSize = -5 }},
		{"port too low", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"unknown backend", func(c *Config) { c.Runner.Backend = "carrier-pigeon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pabawi.toml")
	content := `
[server]
host = "0.0.0.0"
port = 9090

[queue]
concurrency_limit = 8
max_queue_size = 100

[database]
path = "/var/lib/pabawi/pabawi.db"

[runner]
backend = "ssh"

[runner.ssh]
user = "deploy"
key_path = "/etc/pabawi/id_ed25519"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 {
		t.Errorf("Server config not loaded: %+v", cfg.Server)
	}
	if cfg.Queue.ConcurrencyLimit != 8 || cfg.Queue.MaxQueueSize != 100 {
		t.Errorf("Queue config not loaded: %+v", cfg.Queue)
	}
	if cfg.Runner.Backend != "ssh" || cfg.Runner.SSH.User != "deploy" {
		t.Errorf("Runner config not loaded: %+v", cfg.Runner)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/pabawi.toml")
	if err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PABAWI_QUEUE_CONCURRENCY_LIMIT", "16")
	t.Setenv("PABAWI_SERVER_PORT", "8123")

	v := viper.New()
	bindEnv(v)
	SetDefaults(v)

	cfg, err := unmarshal(v)
	if err != nil {
		t.Fatalf("Failed to unmarshal config: %v", err)
	}

	if cfg.Queue.ConcurrencyLimit != 16 {
		t.Errorf("Env override for concurrency not applied, got %d", cfg.Queue.ConcurrencyLimit)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Env override for port not applied, got %d", cfg.Server.Port)
	}
}

func TestExecutionQueueConfig(t *testing.T) {
	cfg := &Config{Queue: QueueConfig{ConcurrencyLimit: 3, MaxQueueSize: 7}}
	qc := cfg.ExecutionQueueConfig()
	if qc.ConcurrencyLimit != 3 || qc.MaxQueueSize != 7 {
		t.Errorf("Unexpected queue config: %+v", qc)
	}
}
