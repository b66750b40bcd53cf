package testsupport

import (
	"path/filepath"
	"testing"

	"conveyor/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxAttempts sets the attempt cap on every stage of the test config.
func WithMaxAttempts(max int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Stages.Parse.MaxAttempts = max
		cfg.Stages.Extract.MaxAttempts = max
		cfg.Stages.Persist.MaxAttempts = max
		cfg.Stages.Enrich.MaxAttempts = max
		cfg.Stages.Sync.MaxAttempts = max
	}
}
