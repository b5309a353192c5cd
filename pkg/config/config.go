// Package config assembles the service configuration: YAML file defaults
// overlaid with environment variables for secrets and deployment-specific
// settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/revue/pkg/analyzer"
	"github.com/codeready-toolchain/revue/pkg/orchestrator"
	"github.com/codeready-toolchain/revue/pkg/platform"
	"github.com/codeready-toolchain/revue/pkg/resilience"
	"github.com/codeready-toolchain/revue/pkg/review"
)

// RedisConfig holds state-store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// Config is the full service configuration.
type Config struct {
	HTTPPort  string `yaml:"http_port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PublicBaseURL is this service's externally reachable base URL, used
	// when registering platform webhooks.
	PublicBaseURL string `yaml:"public_base_url"`
	// PluginsFile optionally overrides the built-in language plugins.
	PluginsFile string `yaml:"plugins_file"`

	Platform platform.Config          `yaml:"platform"`
	Analyzer analyzer.Config          `yaml:"analyzer"`
	Queue    orchestrator.Config      `yaml:"queue"`
	Agent    review.Config            `yaml:"agent"`
	Retry    resilience.RetryConfig   `yaml:"retry"`
	Breaker  resilience.BreakerConfig `yaml:"breaker"`
	Redis    RedisConfig              `yaml:"redis"`

	// WebhookSecret enables HMAC signature verification when set.
	WebhookSecret string `yaml:"-"`
}

// defaults returns the built-in configuration.
func defaults() *Config {
	return &Config{
		HTTPPort:  "8080",
		LogLevel:  "info",
		LogFormat: "json",
		Platform:  platform.DefaultConfig(),
		Analyzer:  analyzer.DefaultConfig(),
		Queue:     orchestrator.DefaultConfig(),
		Agent:     review.DefaultConfig(),
		Retry:     resilience.DefaultRetryConfig(),
		Breaker:   resilience.DefaultBreakerConfig(),
		Redis:     RedisConfig{Addr: "localhost:6379"},
	}
}

// Load builds the configuration: defaults, then the optional revue.yaml in
// configDir, then environment variables (secrets always come from the
// environment).
func Load(configDir string) (*Config, error) {
	cfg := defaults()

	if configDir != "" {
		path := filepath.Join(configDir, "revue.yaml")
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			slog.Info("Loaded configuration file", "path", path)
		case os.IsNotExist(err):
			slog.Info("No configuration file, using defaults", "path", path)
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPPort, "HTTP_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&cfg.PluginsFile, "PLUGINS_FILE")

	setString(&cfg.Platform.Organization, "PLATFORM_ORGANIZATION")
	setString(&cfg.Platform.BaseURL, "PLATFORM_BASE_URL")
	cfg.Platform.PAT = os.Getenv("PLATFORM_PAT")

	cfg.Analyzer.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	setString(&cfg.Analyzer.Model, "ANALYZER_MODEL")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	if workers := os.Getenv("WORKER_COUNT"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Queue.WorkerCount = n
		}
	}
	if deadline := os.Getenv("AGENT_DEADLINE"); deadline != "" {
		if d, err := time.ParseDuration(deadline); err == nil {
			cfg.Agent.Deadline = d
		}
	}
}

func setString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

// Validate checks the required settings.
func (c *Config) Validate() error {
	if c.Platform.Organization == "" {
		return fmt.Errorf("PLATFORM_ORGANIZATION is required")
	}
	if c.Platform.PAT == "" {
		return fmt.Errorf("PLATFORM_PAT is required")
	}
	if c.Analyzer.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("queue.worker_count must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 0.5 {
		return fmt.Errorf("retry.jitter must be in [0, 0.5)")
	}
	return nil
}

// WebhookCallbackURL returns the URL registered with the platform for PR
// event delivery.
func (c *Config) WebhookCallbackURL() string {
	base := c.PublicBaseURL
	if base == "" {
		base = "http://localhost:" + c.HTTPPort
	}
	return base + "/webhooks/azuredevops/pr"
}
