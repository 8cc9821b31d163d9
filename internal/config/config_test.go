package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("unexpected addrs: %+v", cfg)
	}
	if cfg.Environment != "production" {
		t.Fatalf("expected production, got %q", cfg.Environment)
	}
	if cfg.Scheduler.LockTTL != 10*time.Minute {
		t.Fatalf("unexpected lock ttl %v", cfg.Scheduler.LockTTL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "formaos.yaml")
	body := []byte("http_addr: \":7000\"\ncron_secret: from-file\nredis_addr: redis:6379\nrate_limit:\n  per_second: 5\n  burst: 10\nscheduler:\n  lock_ttl: 2m\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := load(envFrom(map[string]string{
		"FORMAOS_CONFIG":       path,
		"FORMAOS_CRON_SECRET":  "from-env",
		"FORMAOS_RATE_BURST":   "25",
		"FORMAOS_TRACE_STDOUT": "true",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Fatalf("file value lost: %q", cfg.HTTPAddr)
	}
	if cfg.CronSecret != "from-env" {
		t.Fatalf("env should override file, got %q", cfg.CronSecret)
	}
	if cfg.RateLimit.PerSecond != 5 || cfg.RateLimit.Burst != 25 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if !cfg.TraceStdout {
		t.Fatal("expected trace stdout enabled")
	}
	if cfg.Scheduler.LockTTL != 2*time.Minute {
		t.Fatalf("unexpected lock ttl %v", cfg.Scheduler.LockTTL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []map[string]string{
		{"FORMAOS_RATE_BURST": "many"},
		{"FORMAOS_RATE_PER_SEC": "0"},
		{"FORMAOS_TRACE_STDOUT": "sometimes"},
		{"FORMAOS_CONFIG": "/does/not/exist.yaml"},
	}
	for _, env := range cases {
		if _, err := load(envFrom(env)); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}
