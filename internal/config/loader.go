package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "imlcore.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "IMLCORE_PORT")
	setString(&cfg.Server.CORSOrigin, "IMLCORE_CORS_ORIGIN")
	setString(&cfg.Server.BearerToken, "IMLCORE_BEARER_TOKEN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "IMLCORE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "IMLCORE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "IMLCORE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "IMLCORE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "IMLCORE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Logging.Level, "IMLCORE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "IMLCORE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "IMLCORE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "IMLCORE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "IMLCORE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "IMLCORE_RATE_BURST")
	setString(&cfg.Policy.DefaultProfile, "IMLCORE_POLICY_DEFAULT")
	setString(&cfg.Policy.CustomDir, "IMLCORE_POLICY_DIR")

	// Executor
	setInt(&cfg.Executor.MaxConcurrentPlans, "IMLCORE_EXECUTOR_MAX_CONCURRENT_PLANS")
	setInt(&cfg.Executor.DefaultMaxAttempts, "IMLCORE_EXECUTOR_DEFAULT_MAX_ATTEMPTS")
	setInt(&cfg.Executor.DefaultBackoffSec, "IMLCORE_EXECUTOR_DEFAULT_BACKOFF_SECONDS")
	setDuration(&cfg.Executor.ActionTimeout, "IMLCORE_EXECUTOR_ACTION_TIMEOUT")
	setInt(&cfg.Executor.ActionRateLimit, "IMLCORE_EXECUTOR_ACTION_RATE_LIMIT")
	setDuration(&cfg.Executor.ActionRateWindow, "IMLCORE_EXECUTOR_ACTION_RATE_WINDOW")

	// Security
	setString(&cfg.Security.MLEndpoint, "IMLCORE_SECURITY_ML_ENDPOINT")
	setString(&cfg.Security.IntentProvider, "IMLCORE_SECURITY_INTENT_PROVIDER")
	setString(&cfg.Security.IntentModel, "IMLCORE_SECURITY_INTENT_MODEL")
	setString(&cfg.Security.IntentAPIKey, "IMLCORE_SECURITY_INTENT_API_KEY")
	setDuration(&cfg.Security.IntentTimeout, "IMLCORE_SECURITY_INTENT_TIMEOUT")
	setBool(&cfg.Security.StrictClarify, "IMLCORE_SECURITY_STRICT_CLARIFY")

	// Trigger
	setInt(&cfg.Trigger.MaxChainDepth, "IMLCORE_TRIGGER_MAX_CHAIN_DEPTH")
	setInt(&cfg.Trigger.DefaultMaxFiresPerHr, "IMLCORE_TRIGGER_DEFAULT_MAX_FIRES_PER_HOUR")
	setInt(&cfg.Trigger.ResourcePollSeconds, "IMLCORE_TRIGGER_RESOURCE_POLL_SECONDS")

	// Event bus
	setString(&cfg.EventBus.Backend, "IMLCORE_EVENT_BUS_BACKEND")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
