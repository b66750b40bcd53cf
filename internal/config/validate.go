package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateExtraction(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.APIBind) == "" {
		return errors.New("paths.api_bind must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case BackendSQLite:
	case BackendRedis:
		if strings.TrimSpace(c.Queue.Redis.Addr) == "" {
			return errors.New("queue.redis.addr must be set when queue.backend is \"redis\"")
		}
		if strings.TrimSpace(c.Queue.Redis.Group) == "" {
			return errors.New("queue.redis.group must be set when queue.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("queue.backend: unsupported value %q", c.Queue.Backend)
	}
	if c.Queue.PollIntervalSeconds <= 0 {
		return errors.New("queue.poll_interval_seconds must be positive")
	}
	return nil
}

func (c *Config) validateStages() error {
	for _, entry := range []struct {
		name     string
		settings StageSettings
	}{
		{"parse", c.Stages.Parse},
		{"extract", c.Stages.Extract},
		{"persist", c.Stages.Persist},
		{"enrich", c.Stages.Enrich},
		{"sync", c.Stages.Sync},
	} {
		if entry.settings.Concurrency <= 0 {
			return fmt.Errorf("stages.%s.concurrency must be positive", entry.name)
		}
		if entry.settings.LeaseSeconds <= 0 {
			return fmt.Errorf("stages.%s.lease_seconds must be positive", entry.name)
		}
		if entry.settings.MaxAttempts <= 0 {
			return fmt.Errorf("stages.%s.max_attempts must be positive", entry.name)
		}
	}

	// A lease that can expire mid-call guarantees spurious duplicate
	// executions, so the lease must cover the collaborator timeout.
	if c.Stages.Extract.LeaseSeconds <= c.Extraction.TimeoutSeconds {
		return fmt.Errorf(
			"stages.extract.lease_seconds (%d) must exceed extraction.timeout_seconds (%d)",
			c.Stages.Extract.LeaseSeconds, c.Extraction.TimeoutSeconds,
		)
	}
	if c.Stages.Sync.LeaseSeconds <= c.Sync.TimeoutSeconds {
		return fmt.Errorf(
			"stages.sync.lease_seconds (%d) must exceed sync.timeout_seconds (%d)",
			c.Stages.Sync.LeaseSeconds, c.Sync.TimeoutSeconds,
		)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.BaseDelayMS <= 0 {
		return errors.New("retry.base_delay_ms must be positive")
	}
	if c.Retry.CapDelayMS < c.Retry.BaseDelayMS {
		return errors.New("retry.cap_delay_ms must be at least retry.base_delay_ms")
	}
	if c.Retry.SubstrateRetryMS <= 0 {
		return errors.New("retry.substrate_retry_ms must be positive")
	}
	return nil
}

func (c *Config) validateExtraction() error {
	if c.Extraction.ConfidenceFloor < 0 || c.Extraction.ConfidenceFloor > 1 {
		return errors.New("extraction.confidence_floor must be between 0 and 1")
	}
	return nil
}

// BaseDelay returns the retry base delay as a duration.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

// CapDelay returns the retry delay ceiling as a duration.
func (c *Config) CapDelay() time.Duration {
	return time.Duration(c.Retry.CapDelayMS) * time.Millisecond
}

// SubstrateRetryDelay returns the fixed delay applied after substrate failures.
func (c *Config) SubstrateRetryDelay() time.Duration {
	return time.Duration(c.Retry.SubstrateRetryMS) * time.Millisecond
}

// PollInterval returns the queue poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalSeconds) * time.Second
}
