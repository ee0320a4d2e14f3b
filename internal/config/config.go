package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tcmigrate/tcmigrate/internal/provider"
	"github.com/tcmigrate/tcmigrate/internal/resilience"
	"github.com/tcmigrate/tcmigrate/internal/transform"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration tool
type Config struct {
	Source     ProviderConfig           `yaml:"source"`
	Target     ProviderConfig           `yaml:"target"`
	Migration  MigrationConfig          `yaml:"migration"`
	Resilience ResilienceConfig         `yaml:"resilience"`
	Redis      RedisConfig              `yaml:"redis"`
	Slack      SlackConfig              `yaml:"slack"`
	Server     ServerConfig             `yaml:"server"`
	Mappings   []transform.FieldMapping `yaml:"mappings"`
}

// ProviderConfig holds connection settings for one test-management platform
type ProviderConfig struct {
	Type    string            `yaml:"type" json:"type"` // registered adapter kind, e.g. "zephyr", "testrail", "memory"
	BaseURL string            `yaml:"base_url" json:"baseUrl,omitempty"`
	APIKey  string            `yaml:"api_key" json:"apiKey,omitempty"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"` // adapter-specific extras
}

// Settings converts to the adapter registry's settings type.
func (p ProviderConfig) Settings() provider.Settings {
	return provider.Settings{
		Kind:    p.Type,
		BaseURL: p.BaseURL,
		APIKey:  p.APIKey,
		Options: p.Options,
	}
}

// MigrationConfig holds migration behavior settings
type MigrationConfig struct {
	Workers               int              `yaml:"workers"`                // operation executor workers
	ConcurrentAttachments int              `yaml:"concurrent_attachments"` // attachment pipeline width
	Scope                 string           `yaml:"scope"`                  // source project/folder to migrate
	DataDir               string           `yaml:"data_dir"`
	RequiredFields        []string         `yaml:"required_fields"` // target fields every mapped record must cover
	Attachments           AttachmentConfig `yaml:"attachments"`
	HistoryRetentionDays  int              `yaml:"history_retention_days"` // terminal jobs older than this are cleaned up
}

// AttachmentConfig tunes the attachment pipeline
type AttachmentConfig struct {
	MaxSizeBytes       int64    `yaml:"max_size_bytes"`      // larger downloads are rejected as ResourceError
	CompressionEnabled bool     `yaml:"compression_enabled"` // re-encode large images
	CompressOverBytes  int64    `yaml:"compress_over_bytes"` // compression threshold
	JPEGQuality        int      `yaml:"jpeg_quality"`
	ConvertCommand     string   `yaml:"convert_command"` // external converter, e.g. "libreoffice"
	ConvertArgs        []string `yaml:"convert_args"`
	ConvertMimeTypes   []string `yaml:"convert_mime_types"` // mime types routed through the converter
}

// ResilienceConfig tunes retry, breaker and rate budget behavior.
// Durations are milliseconds.
type ResilienceConfig struct {
	CallTimeoutMs        int     `yaml:"call_timeout_ms"`
	MaxAttempts          int     `yaml:"max_attempts"`
	BackoffBaseMs        int     `yaml:"backoff_base_ms"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier"`
	BackoffCapMs         int     `yaml:"backoff_cap_ms"`
	RetryableStatusCodes []int   `yaml:"retryable_status_codes"`
	FailureThreshold     int     `yaml:"failure_threshold"`
	OpenDurationMs       int     `yaml:"open_duration_ms"`
	MaxOpenDurationMs    int     `yaml:"max_open_duration_ms"`
	RatePerSecond        float64 `yaml:"rate_per_second"` // 0 disables the token bucket
	RateBurst            int     `yaml:"rate_burst"`
}

// CallTimeout returns the per-call timeout.
func (r ResilienceConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutMs) * time.Millisecond
}

// RetryPolicy converts to the resilience layer's policy type.
func (r ResilienceConfig) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:          r.MaxAttempts,
		BackoffBase:          time.Duration(r.BackoffBaseMs) * time.Millisecond,
		BackoffMultiplier:    r.BackoffMultiplier,
		BackoffCap:           time.Duration(r.BackoffCapMs) * time.Millisecond,
		RetryableStatusCodes: r.RetryableStatusCodes,
	}
}

// BreakerConfig converts to the resilience layer's breaker config.
func (r ResilienceConfig) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: r.FailureThreshold,
		OpenDuration:     time.Duration(r.OpenDurationMs) * time.Millisecond,
		MaxOpenDuration:  time.Duration(r.MaxOpenDurationMs) * time.Millisecond,
	}
}

// RedisConfig enables sharing breaker state across workers.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// ServerConfig holds HTTP control surface settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".tcmigrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Migration.Workers == 0 {
		cores := runtime.NumCPU()
		c.Migration.Workers = cores - 2
		if c.Migration.Workers < 2 {
			c.Migration.Workers = 2
		}
		if c.Migration.Workers > 16 {
			c.Migration.Workers = 16
		}
	}
	if c.Migration.ConcurrentAttachments == 0 {
		c.Migration.ConcurrentAttachments = 4
	}
	if c.Migration.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Migration.DataDir = filepath.Join(home, ".tcmigrate")
	} else {
		c.Migration.DataDir = expandTilde(c.Migration.DataDir)
	}
	if c.Migration.HistoryRetentionDays == 0 {
		c.Migration.HistoryRetentionDays = 30
	}

	if c.Migration.Attachments.MaxSizeBytes == 0 {
		c.Migration.Attachments.MaxSizeBytes = 50 << 20 // 50 MB
	}
	if c.Migration.Attachments.CompressOverBytes == 0 {
		c.Migration.Attachments.CompressOverBytes = 1 << 20 // 1 MB
	}
	if c.Migration.Attachments.JPEGQuality == 0 {
		c.Migration.Attachments.JPEGQuality = 80
	}

	if c.Resilience.CallTimeoutMs == 0 {
		c.Resilience.CallTimeoutMs = 30000
	}
	if c.Resilience.MaxAttempts == 0 {
		c.Resilience.MaxAttempts = 4
	}
	if c.Resilience.BackoffBaseMs == 0 {
		c.Resilience.BackoffBaseMs = 250
	}
	if c.Resilience.BackoffMultiplier == 0 {
		c.Resilience.BackoffMultiplier = 2.0
	}
	if c.Resilience.BackoffCapMs == 0 {
		c.Resilience.BackoffCapMs = 30000
	}
	if c.Resilience.FailureThreshold == 0 {
		c.Resilience.FailureThreshold = 5
	}
	if c.Resilience.OpenDurationMs == 0 {
		c.Resilience.OpenDurationMs = 2000
	}
	if c.Resilience.MaxOpenDurationMs == 0 {
		c.Resilience.MaxOpenDurationMs = 60000
	}
	if c.Resilience.RateBurst == 0 {
		c.Resilience.RateBurst = 5
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Slack.Username == "" {
		c.Slack.Username = "tcmigrate"
	}
}

func (c *Config) validate() error {
	if c.Source.Type == "" {
		return fmt.Errorf("source.type is required")
	}
	if c.Target.Type == "" {
		return fmt.Errorf("target.type is required")
	}
	if !provider.IsRegistered(c.Source.Type) {
		return fmt.Errorf("source.type %q is not a registered provider (available: %s)",
			c.Source.Type, strings.Join(provider.Available(), ", "))
	}
	if !provider.IsRegistered(c.Target.Type) {
		return fmt.Errorf("target.type %q is not a registered provider (available: %s)",
			c.Target.Type, strings.Join(provider.Available(), ", "))
	}

	if c.Migration.Workers < 1 {
		return fmt.Errorf("migration.workers must be at least 1")
	}
	if c.Migration.ConcurrentAttachments < 1 {
		return fmt.Errorf("migration.concurrent_attachments must be at least 1")
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("resilience.max_attempts must be at least 1")
	}

	if len(c.Mappings) == 0 {
		return fmt.Errorf("at least one field mapping is required")
	}
	if err := transform.ValidateMappings(c.Mappings, c.Migration.RequiredFields); err != nil {
		return err
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	return nil
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Source.APIKey != "" {
		sanitized.Source.APIKey = "[REDACTED]"
	}
	if sanitized.Target.APIKey != "" {
		sanitized.Target.APIKey = "[REDACTED]"
	}
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
