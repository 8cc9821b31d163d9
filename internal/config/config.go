// Package config resolves service settings from defaults, an optional YAML
// file and FORMAOS_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	PGDSN       string `yaml:"pg_dsn"`
	AuthSecret  string `yaml:"auth_secret"`
	CronSecret  string `yaml:"cron_secret"`
	RedisAddr   string `yaml:"redis_addr"`
	Environment string `yaml:"environment"`
	TraceStdout bool   `yaml:"trace_stdout"`

	RateLimit RateLimit `yaml:"rate_limit"`

	Scheduler Scheduler `yaml:"scheduler"`
}

type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type Scheduler struct {
	// LockTTL bounds how long one cron invocation may hold the run lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":9090",
		Environment: "production",
		RateLimit:   RateLimit{PerSecond: 20, Burst: 40},
		Scheduler:   Scheduler{LockTTL: 10 * time.Minute},
	}
}

// Load builds the configuration. FORMAOS_CONFIG names an optional YAML file.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(getenv("FORMAOS_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("FORMAOS_HTTP_ADDR", &cfg.HTTPAddr)
	str("FORMAOS_GRPC_ADDR", &cfg.GRPCAddr)
	str("FORMAOS_PG_DSN", &cfg.PGDSN)
	str("FORMAOS_AUTH_SECRET", &cfg.AuthSecret)
	str("FORMAOS_CRON_SECRET", &cfg.CronSecret)
	str("FORMAOS_REDIS_ADDR", &cfg.RedisAddr)
	str("FORMAOS_ENVIRONMENT", &cfg.Environment)

	if v := strings.TrimSpace(getenv("FORMAOS_TRACE_STDOUT")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("FORMAOS_TRACE_STDOUT: %w", err)
		}
		cfg.TraceStdout = b
	}
	if v := strings.TrimSpace(getenv("FORMAOS_RATE_PER_SEC")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("FORMAOS_RATE_PER_SEC: %w", err)
		}
		cfg.RateLimit.PerSecond = f
	}
	if v := strings.TrimSpace(getenv("FORMAOS_RATE_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("FORMAOS_RATE_BURST: %w", err)
		}
		cfg.RateLimit.Burst = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit must be positive (per_second=%v burst=%d)", c.RateLimit.PerSecond, c.RateLimit.Burst)
	}
	if c.Scheduler.LockTTL <= 0 {
		return fmt.Errorf("scheduler.lock_ttl must be positive")
	}
	return nil
}
