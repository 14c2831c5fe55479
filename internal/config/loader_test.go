package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Executor.MaxConcurrentPlans != 8 {
		t.Errorf("expected max_concurrent_plans 8, got %d", cfg.Executor.MaxConcurrentPlans)
	}
	if cfg.Trigger.MaxChainDepth != 5 {
		t.Errorf("expected trigger max_chain_depth 5, got %d", cfg.Trigger.MaxChainDepth)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
postgres:
  max_conns: 20
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("IMLCORE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("IMLCORE_PG_MAX_CONNS", "25")
	t.Setenv("IMLCORE_LOG_LEVEL", "warn")
	t.Setenv("IMLCORE_BREAKER_TIMEOUT", "1m")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
}

func TestExecutorEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("IMLCORE_EXECUTOR_MAX_CONCURRENT_PLANS", "16")
	t.Setenv("IMLCORE_EXECUTOR_DEFAULT_MAX_ATTEMPTS", "5")

	loadEnv(&cfg)

	if cfg.Executor.MaxConcurrentPlans != 16 {
		t.Errorf("expected max_concurrent_plans 16, got %d", cfg.Executor.MaxConcurrentPlans)
	}
	if cfg.Executor.DefaultMaxAttempts != 5 {
		t.Errorf("expected default_max_attempts 5, got %d", cfg.Executor.DefaultMaxAttempts)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "zero max_conns",
			modify: func(c *Config) { c.Postgres.MaxConns = 0 },
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero rate burst",
			modify: func(c *Config) { c.Rate.Burst = 0 },
			errMsg: "rate.burst must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestPolicyDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Policy.DefaultProfile != "LOCAL_WORKER" {
		t.Errorf("expected default profile 'LOCAL_WORKER', got %q", cfg.Policy.DefaultProfile)
	}
	if cfg.Policy.CustomDir != "" {
		t.Errorf("expected empty custom dir, got %q", cfg.Policy.CustomDir)
	}
}

func TestPolicyYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")
	content := `
policy:
  default_profile: "READONLY"
  custom_dir: "/etc/imlcore/policies"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Policy.DefaultProfile != "READONLY" {
		t.Errorf("expected 'READONLY', got %q", cfg.Policy.DefaultProfile)
	}
	if cfg.Policy.CustomDir != "/etc/imlcore/policies" {
		t.Errorf("expected '/etc/imlcore/policies', got %q", cfg.Policy.CustomDir)
	}
}

func TestPolicyEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("IMLCORE_POLICY_DEFAULT", "UNRESTRICTED")
	t.Setenv("IMLCORE_POLICY_DIR", "/custom/policies")

	loadEnv(&cfg)

	if cfg.Policy.DefaultProfile != "UNRESTRICTED" {
		t.Errorf("expected 'UNRESTRICTED', got %q", cfg.Policy.DefaultProfile)
	}
	if cfg.Policy.CustomDir != "/custom/policies" {
		t.Errorf("expected '/custom/policies', got %q", cfg.Policy.CustomDir)
	}
}
