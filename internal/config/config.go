package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token" env:"CONVEYOR_API_TOKEN"`
}

// Queue selects and tunes the queue substrate backing the pipeline.
type Queue struct {
	// Backend is "sqlite" (default, single host) or "redis" (shared broker).
	Backend             string `toml:"backend"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	Redis               Redis  `toml:"redis"`
}

// Redis contains connection settings for the Redis Streams substrate.
type Redis struct {
	Addr         string `toml:"addr" env:"CONVEYOR_REDIS_ADDR"`
	Password     string `toml:"password" env:"CONVEYOR_REDIS_PASSWORD"`
	DB           int    `toml:"db"`
	StreamPrefix string `toml:"stream_prefix"`
	Group        string `toml:"group"`
}

// StageSettings tunes one pipeline stage's worker pool.
type StageSettings struct {
	Concurrency  int `toml:"concurrency"`
	LeaseSeconds int `toml:"lease_seconds"`
	MaxAttempts  int `toml:"max_attempts"`
}

// Stages contains per-stage worker settings.
type Stages struct {
	Parse   StageSettings `toml:"parse"`
	Extract StageSettings `toml:"extract"`
	Persist StageSettings `toml:"persist"`
	Enrich  StageSettings `toml:"enrich"`
	Sync    StageSettings `toml:"sync"`
}

// Retry contains backoff policy settings shared by all stages.
type Retry struct {
	BaseDelayMS      int `toml:"base_delay_ms"`
	CapDelayMS       int `toml:"cap_delay_ms"`
	SubstrateRetryMS int `toml:"substrate_retry_ms"`
}

// Repository contains settings for the purchase-order persistence collaborator.
type Repository struct {
	PostgresDSN   string `toml:"postgres_dsn" env:"CONVEYOR_POSTGRES_DSN"`
	RetryAttempts int    `toml:"retry_attempts"`
	RetryDelayMS  int    `toml:"retry_delay_ms"`
}

// Extraction contains settings for the AI extraction collaborator.
type Extraction struct {
	Model           string  `toml:"model"`
	ConfidenceFloor float64 `toml:"confidence_floor"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
}

// Sync contains settings for the commerce-platform synchronization collaborator.
type Sync struct {
	PlatformURL    string `toml:"platform_url"`
	APIKey         string `toml:"api_key" env:"CONVEYOR_PLATFORM_API_KEY"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level" env:"CONVEYOR_LOG_LEVEL"`
}

// Config encapsulates all configuration values for conveyor.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Queue      Queue      `toml:"queue"`
	Stages     Stages     `toml:"stages"`
	Retry      Retry      `toml:"retry"`
	Repository Repository `toml:"repository"`
	Extraction Extraction `toml:"extraction"`
	Sync       Sync       `toml:"sync"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conveyor/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has env overrides applied and all path fields expanded.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, "", false, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("conveyor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendSQLite
	}
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database path backing queue and workflow state.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "conveyor.db")
}

// LockPath returns the daemon instance lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "conveyor.lock")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
