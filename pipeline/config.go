package pipeline

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tagflow/horosafe"
)

// Config holds the full tagflow configuration.
type Config struct {
	Listen             string       `yaml:"listen"`
	BaseURL            string       `yaml:"base_url"`
	Database           string       `yaml:"database"`
	AuditDB            string       `yaml:"audit_db"`
	AuditRetentionDays int          `yaml:"audit_retention_days"`
	MergedDir          string       `yaml:"merged_dir"`
	MaxUploadMB        int          `yaml:"max_upload_mb"`
	IdentifierColumn   string       `yaml:"identifier_column"`
	IdentifierPattern  string       `yaml:"identifier_pattern"`
	LogLevel           string       `yaml:"log_level"`
	Claim              ClaimConfig  `yaml:"claim"`
	Robot              RobotConfig  `yaml:"robot"`
	Notify             NotifyConfig `yaml:"notify"`
}

// ClaimConfig sizes claims and drives the stale-claim reclaimer.
type ClaimConfig struct {
	DefaultSize     int           `yaml:"default_size"`
	MaxSize         int           `yaml:"max_size"`
	ReclaimAfter    time.Duration `yaml:"reclaim_after"` // 0 disables
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	RatePerSecond   float64       `yaml:"rate_per_second"` // 0 disables
	Burst           int           `yaml:"burst"`
}

// RobotConfig authenticates workers.
type RobotConfig struct {
	APIKey       string `yaml:"api_key"`
	APIKeyBcrypt string `yaml:"api_key_bcrypt"`
	MCP          bool   `yaml:"mcp"`
}

// NotifyConfig configures status webhooks.
type NotifyConfig struct {
	PollInterval time.Duration   `yaml:"poll_interval"`
	Visibility   time.Duration   `yaml:"visibility"`
	MaxAttempts  int             `yaml:"max_attempts"`
	AllowPrivate bool            `yaml:"allow_private"`
	Webhooks     []WebhookTarget `yaml:"webhooks"`
}

// WebhookTarget is one status subscriber.
type WebhookTarget struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"` // HMAC-SHA256 signing key
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:             ":5500",
		BaseURL:            "http://localhost:5500",
		Database:           "tagflow.db",
		AuditDB:            "observability.db",
		AuditRetentionDays: 90,
		MergedDir:          "merged",
		MaxUploadMB:        50,
		IdentifierColumn:   "ssn",
		IdentifierPattern:  `^[123]\d{9}$`,
		LogLevel:           "info",
		Claim: ClaimConfig{
			DefaultSize:     50,
			MaxSize:         500,
			ReclaimInterval: time.Minute,
			Burst:           10,
		},
		Robot: RobotConfig{MCP: true},
		Notify: NotifyConfig{
			PollInterval: time.Second,
			Visibility:   30 * time.Second,
			MaxAttempts:  5,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults, applies environment
// overrides and validates. An empty path means defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from the environment. Unset variables leave the
// field alone.
func (c *Config) ApplyEnv(getenv func(string) string) {
	for env, dst := range map[string]*string{
		"TAGFLOW_LISTEN":    &c.Listen,
		"TAGFLOW_DATABASE":  &c.Database,
		"TAGFLOW_BASE_URL":  &c.BaseURL,
		"MERGED_DIR":        &c.MergedDir,
		"API_KEY":           &c.Robot.APIKey,
		"TAGFLOW_LOG_LEVEL": &c.LogLevel,
	} {
		if v := strings.TrimSpace(getenv(env)); v != "" {
			*dst = v
		}
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.MergedDir == "" {
		return fmt.Errorf("merged_dir is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if strings.TrimSpace(c.IdentifierColumn) == "" {
		return fmt.Errorf("identifier_column is required")
	}
	if _, err := regexp.Compile(c.IdentifierPattern); err != nil {
		return fmt.Errorf("identifier_pattern: %w", err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Claim.MaxSize <= 0 {
		return fmt.Errorf("claim.max_size must be > 0")
	}
	if c.Claim.DefaultSize <= 0 || c.Claim.DefaultSize > c.Claim.MaxSize {
		return fmt.Errorf("claim.default_size must be in 1..%d", c.Claim.MaxSize)
	}
	if c.Claim.ReclaimAfter < 0 {
		return fmt.Errorf("claim.reclaim_after must be >= 0")
	}
	if c.Claim.ReclaimAfter > 0 && c.Claim.ReclaimInterval <= 0 {
		return fmt.Errorf("claim.reclaim_interval must be > 0 when reclaim is enabled")
	}
	if c.Claim.RatePerSecond < 0 {
		return fmt.Errorf("claim.rate_per_second must be >= 0")
	}
	seen := make(map[string]bool)
	for i, wh := range c.Notify.Webhooks {
		if wh.Name == "" {
			return fmt.Errorf("webhook[%d]: name is required", i)
		}
		if seen[wh.Name] {
			return fmt.Errorf("webhook[%d]: duplicate name %q", i, wh.Name)
		}
		seen[wh.Name] = true
		if wh.URL == "" {
			return fmt.Errorf("webhook[%d]: url is required", i)
		}
		if !c.Notify.AllowPrivate {
			if err := horosafe.ValidateURL(wh.URL); err != nil {
				return fmt.Errorf("webhook[%d]: %w", i, err)
			}
		}
		if err := horosafe.ValidateSecret([]byte(wh.Secret)); err != nil {
			return fmt.Errorf("webhook[%d]: %w", i, err)
		}
	}
	return nil
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) * 1024 * 1024 }

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
