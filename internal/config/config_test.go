package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"

[stages.persist]
concurrency = 8
lease_seconds = 45
max_attempts = 2
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists || resolved == "" {
		t.Fatalf("expected config file to resolve, got exists=%v path=%q", exists, resolved)
	}
	if cfg.Stages.Persist.Concurrency != 8 {
		t.Fatalf("expected persist concurrency 8, got %d", cfg.Stages.Persist.Concurrency)
	}
	// Untouched sections keep defaults.
	if cfg.Stages.Parse.Concurrency != 2 {
		t.Fatalf("expected default parse concurrency, got %d", cfg.Stages.Parse.Concurrency)
	}
	if cfg.Queue.Backend != config.BackendSQLite {
		t.Fatalf("expected default backend, got %q", cfg.Queue.Backend)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CONVEYOR_API_TOKEN", "secret-token")
	t.Setenv("CONVEYOR_LOG_LEVEL", "debug")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.APIToken != "secret-token" {
		t.Fatalf("expected env token override, got %q", cfg.Paths.APIToken)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env level override, got %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsShortLease(t *testing.T) {
	cfg := config.Default()
	cfg.Stages.Extract.LeaseSeconds = cfg.Extraction.TimeoutSeconds
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when lease does not exceed extraction timeout")
	}
	if !strings.Contains(err.Error(), "lease_seconds") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Backend = "rabbitmq"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}

func TestValidateRedisBackendRequiresAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Backend = config.BackendRedis
	cfg.Queue.Redis.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing redis addr")
	}
}
