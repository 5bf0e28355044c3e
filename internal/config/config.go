// Package config loads coordinator settings from the environment, with an
// optional JSON file overlay. Unknown file keys are rejected.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"ptc/internal/retry"
	"ptc/internal/storage/sqlite"
)

// Config carries every process-wide knob. Durations are held in
// milliseconds to match the wire and file formats; accessor methods
// return time.Duration. A duration at or below zero disables its feature.
type Config struct {
	Namespace       string `envconfig:"NAMESPACE" default:"ptc" json:"namespace"`
	CoordinatorName string `envconfig:"COORDINATOR_NAME" default:"coordinator" json:"coordinator_name"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info" json:"log_level"`

	HeartbeatIntervalMS int `envconfig:"HEARTBEAT_INTERVAL_MS" default:"30000" json:"heartbeat_interval_ms"`
	StaleThresholdMS    int `envconfig:"STALE_THRESHOLD_MS" default:"90000" json:"stale_threshold_ms"`
	PollIntervalMS      int `envconfig:"POLL_INTERVAL_MS" default:"10000" json:"poll_interval_ms"`
	AckTimeoutMS        int `envconfig:"ACK_TIMEOUT_MS" default:"60000" json:"ack_timeout_ms"`
	EscalationDelayMS   int `envconfig:"ESCALATION_DELAY_MS" default:"30000" json:"escalation_delay_ms"`

	RetryMaxAttempts int     `envconfig:"RETRY_MAX_ATTEMPTS" default:"3" json:"retry_max_attempts"`
	RetryBackoffMS   []int   `envconfig:"RETRY_BACKOFF_MS" default:"1000,5000,30000" json:"retry_backoff_ms"`
	MaxBackoffMS     int     `envconfig:"MAX_BACKOFF_MS" default:"30000" json:"max_backoff_ms"`
	JitterFactor     float64 `envconfig:"JITTER_FACTOR" default:"0.2" json:"jitter_factor"`

	DeadLetterEnabled bool   `envconfig:"DEAD_LETTER_ENABLED" default:"true" json:"dead_letter_enabled"`
	StorageDir        string `envconfig:"STORAGE_DIR" json:"storage_dir"`

	ReadyTaskCommand string `envconfig:"READY_TASK_COMMAND" json:"ready_task_command"`

	ArchiveDir   string `envconfig:"ARCHIVE_DIR" json:"archive_dir"`
	GCSBucket    string `envconfig:"GCS_BUCKET" json:"gcs_bucket"`
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT" json:"otlp_endpoint"`
}

// Load reads PTC_* environment variables. When file is non-empty the JSON
// file is applied on top of the environment.
func Load(file string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ptc", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if file != "" {
		if err := cfg.applyFile(file); err != nil {
			return nil, err
		}
	}
	if cfg.StorageDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.StorageDir = filepath.Join(home, cfg.Namespace)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFile overlays a JSON config file. Unknown keys are an error so a
// typo never silently falls back to a default.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings with no sensible interpretation.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts must not be negative")
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		return fmt.Errorf("jitter_factor must be in [0, 1)")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}

// StoragePaths returns the four database file locations under StorageDir.
func (c *Config) StoragePaths() sqlite.Paths {
	return sqlite.Paths{
		Messages:    filepath.Join(c.StorageDir, "messages.db"),
		Workers:     filepath.Join(c.StorageDir, "workers.db"),
		Claims:      filepath.Join(c.StorageDir, "task-claims.db"),
		DeadLetters: filepath.Join(c.StorageDir, "dead-letters.db"),
	}
}

// RetryPolicy builds the retry policy from the configured schedule.
func (c *Config) RetryPolicy() retry.Policy {
	schedule := make([]time.Duration, len(c.RetryBackoffMS))
	for i, ms := range c.RetryBackoffMS {
		schedule[i] = time.Duration(ms) * time.Millisecond
	}
	return retry.Policy{
		Schedule:     schedule,
		MaxAttempts:  c.RetryMaxAttempts,
		MaxBackoff:   time.Duration(c.MaxBackoffMS) * time.Millisecond,
		JitterFactor: c.JitterFactor,
	}
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

func (c *Config) EscalationDelay() time.Duration {
	return time.Duration(c.EscalationDelayMS) * time.Millisecond
}
