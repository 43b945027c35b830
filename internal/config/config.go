package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level shift configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Source  SourceConfig  `toml:"source"`
	Target  TargetConfig  `toml:"target"`
	Engine  EngineConfig  `toml:"engine"`
	Events  EventsConfig  `toml:"events"`
	Archive ArchiveConfig `toml:"archive"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	APIToken        string `toml:"api_token"` // bearer token guarding the API; empty disables auth (dev mode)
	ShutdownTimeout int    `toml:"shutdown_timeout"`
}

// SourceConfig describes the database being migrated away from.
// Kind is "postgres", "sqlite", or "mysql"; empty means detect from the URL.
type SourceConfig struct {
	URL      string `toml:"url"`
	Kind     string `toml:"kind"`
	MaxConns int    `toml:"max_conns"` // hard cap; keeps the engine from starving a production source
}

type TargetConfig struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
}

// EngineConfig holds execution tunables. ThroughputRows feeds the plan's
// duration estimate; it is not a rate limit.
type EngineConfig struct {
	Workers          int   `toml:"workers"`            // DATA-phase worker pool size
	BatchSize        int   `toml:"batch_size"`         // rows per transfer batch
	MaxRetries       int   `toml:"max_retries"`        // per-batch retries for transient errors
	ThroughputRows   int64 `toml:"throughput_rows"`    // estimated rows/sec for duration estimates
	PhaseOverheadSec int   `toml:"phase_overhead_sec"` // fixed per-phase overhead for estimates
	SkipPolicyErrors bool  `toml:"skip_policy_errors"` // continue past POLICY-phase failures
}

type EventsConfig struct {
	WebhookURL    string `toml:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret"`
	SNSTopicARN   string `toml:"sns_topic_arn"`
	SNSRegion     string `toml:"sns_region"`
}

// ArchiveConfig controls copying finished run documents to an
// S3-compatible object store. Disabled by default; runs are always
// retained in the state store regardless.
type ArchiveConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8920,
			ShutdownTimeout: 10,
		},
		Source: SourceConfig{
			MaxConns: 4,
		},
		Target: TargetConfig{
			MaxConns: 10,
		},
		Engine: EngineConfig{
			Workers:          4,
			BatchSize:        1000,
			MaxRetries:       3,
			ThroughputRows:   5000,
			PhaseOverheadSec: 5,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			UseSSL: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with priority: defaults → shift.toml → env vars → CLI flags.
// The flags parameter allows CLI flag overrides to be passed in.
func Load(configPath string, flags map[string]string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "shift.toml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	applyFlags(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Source.MaxConns < 1 {
		return fmt.Errorf("source.max_conns must be at least 1, got %d", c.Source.MaxConns)
	}
	if c.Target.MaxConns < 1 {
		return fmt.Errorf("target.max_conns must be at least 1, got %d", c.Target.MaxConns)
	}
	switch c.Source.Kind {
	case "", "postgres", "sqlite", "mysql":
	default:
		return fmt.Errorf("source.kind must be postgres, sqlite, or mysql; got %q", c.Source.Kind)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be at least 1, got %d", c.Engine.BatchSize)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be non-negative, got %d", c.Engine.MaxRetries)
	}
	if c.Engine.ThroughputRows < 1 {
		return fmt.Errorf("engine.throughput_rows must be at least 1, got %d", c.Engine.ThroughputRows)
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive.endpoint is required when archive is enabled")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if c.Archive.AccessKey == "" {
			return fmt.Errorf("archive.access_key is required when archive is enabled")
		}
		if c.Archive.SecretKey == "" {
			return fmt.Errorf("archive.secret_key is required when archive is enabled")
		}
	}
	if c.Events.SNSTopicARN != "" && c.Events.SNSRegion == "" {
		return fmt.Errorf("events.sns_region is required when events.sns_topic_arn is set")
	}
	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error; got %q", c.Logging.Level)
		}
	}
	return nil
}

// Address returns the host:port string for the server to listen on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ToTOML returns the config serialized as TOML.
func (c *Config) ToTOML() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// applyEnv overlays SHIFT_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	envStr("SHIFT_SERVER_HOST", &cfg.Server.Host)
	if err := envInt("SHIFT_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	envStr("SHIFT_API_TOKEN", &cfg.Server.APIToken)
	envStr("SHIFT_SOURCE_URL", &cfg.Source.URL)
	envStr("SHIFT_SOURCE_KIND", &cfg.Source.Kind)
	if err := envInt("SHIFT_SOURCE_MAX_CONNS", &cfg.Source.MaxConns); err != nil {
		return err
	}
	envStr("SHIFT_TARGET_URL", &cfg.Target.URL)
	if err := envInt("SHIFT_TARGET_MAX_CONNS", &cfg.Target.MaxConns); err != nil {
		return err
	}
	if err := envInt("SHIFT_ENGINE_WORKERS", &cfg.Engine.Workers); err != nil {
		return err
	}
	if err := envInt("SHIFT_ENGINE_BATCH_SIZE", &cfg.Engine.BatchSize); err != nil {
		return err
	}
	envStr("SHIFT_EVENTS_WEBHOOK_URL", &cfg.Events.WebhookURL)
	envStr("SHIFT_EVENTS_WEBHOOK_SECRET", &cfg.Events.WebhookSecret)
	envStr("SHIFT_EVENTS_SNS_TOPIC_ARN", &cfg.Events.SNSTopicARN)
	envStr("SHIFT_EVENTS_SNS_REGION", &cfg.Events.SNSRegion)
	envStr("SHIFT_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	envStr("SHIFT_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	envStr("SHIFT_LOG_LEVEL", &cfg.Logging.Level)
	envStr("SHIFT_LOG_FORMAT", &cfg.Logging.Format)
	return nil
}

// applyFlags overlays CLI flag values. Only non-empty values are applied.
func applyFlags(cfg *Config, flags map[string]string) {
	for key, val := range flags {
		if val == "" {
			continue
		}
		switch key {
		case "host":
			cfg.Server.Host = val
		case "port":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.Server.Port = n
			}
		case "source-url":
			cfg.Source.URL = val
		case "source-kind":
			cfg.Source.Kind = val
		case "target-url":
			cfg.Target.URL = val
		case "workers":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.Engine.Workers = n
			}
		case "batch-size":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.Engine.BatchSize = n
			}
		}
	}
}

// DetectSourceKind guesses the source kind from a connection string when
// source.kind is not set explicitly.
func DetectSourceKind(url string) string {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(url, "mysql://"), strings.Contains(url, "@tcp("):
		return "mysql"
	default:
		// Bare paths and file: URIs are treated as SQLite databases.
		return "sqlite"
	}
}

func envStr(name string, dest *string) {
	if v := os.Getenv(name); v != "" {
		*dest = v
	}
}

func envInt(name string, dest *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	*dest = n
	return nil
}
