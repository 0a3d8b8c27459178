// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/leadscout/leadscout/internal/scrape"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Source  SourceConfig  `mapstructure:"source"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Export  ExportConfig  `mapstructure:"export"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScrapeConfig supplies the default per-job concurrency settings.
type ScrapeConfig struct {
	SimultaneousTowns      int  `mapstructure:"simultaneous_towns"`
	SimultaneousIndustries int  `mapstructure:"simultaneous_industries"`
	SimultaneousLookups    int  `mapstructure:"simultaneous_lookups"`
	EnableProviderLookup   bool `mapstructure:"enable_provider_lookup"`
}

// SourceConfig governs the business directory client.
type SourceConfig struct {
	BaseURL        string         `mapstructure:"base_url"`
	UserAgent      string         `mapstructure:"user_agent"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	Headless       HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ExportConfig selects where saved result snapshots are written.
type ExportConfig struct {
	// Provider is one of "gcs", "local" or "memory".
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
}

// QueueConfig governs job admission limits.
type QueueConfig struct {
	Capacity           int `mapstructure:"capacity"`
	DefaultWaitMinutes int `mapstructure:"default_wait_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEADSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := scrape.DefaultConfig()
	v.SetDefault("server.port", 8080)
	v.SetDefault("scrape.simultaneous_towns", def.SimultaneousTowns)
	v.SetDefault("scrape.simultaneous_industries", def.SimultaneousIndustries)
	v.SetDefault("scrape.simultaneous_lookups", def.SimultaneousLookups)
	v.SetDefault("scrape.enable_provider_lookup", def.EnableProviderLookup)
	v.SetDefault("source.user_agent", "leadscout-bot/0.1")
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("source.headless.enabled", false)
	v.SetDefault("source.headless.max_parallel", 1)
	v.SetDefault("source.headless.nav_timeout_seconds", 25)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("export.provider", "memory")
	v.SetDefault("export.prefix", "results")
	v.SetDefault("queue.capacity", 50)
	v.SetDefault("queue.default_wait_minutes", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	sc := c.ScrapeDefaults()
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("scrape defaults: %w", err)
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.TimeoutSeconds <= 0 {
		return fmt.Errorf("source.timeout_seconds must be > 0")
	}
	if c.Source.Headless.Enabled && c.Source.Headless.MaxParallel <= 0 {
		return fmt.Errorf("source.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Export.Provider {
	case "gcs":
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket is required for the gcs provider")
		}
	case "local":
		if c.Export.BaseDir == "" {
			return fmt.Errorf("export.base_dir is required for the local provider")
		}
	case "memory":
	default:
		return fmt.Errorf("export.provider must be one of gcs, local, memory")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.DefaultWaitMinutes <= 0 {
		return fmt.Errorf("queue.default_wait_minutes must be > 0")
	}
	return nil
}

// ScrapeDefaults converts the scrape section into job settings.
func (c Config) ScrapeDefaults() scrape.Config {
	return scrape.Config{
		SimultaneousTowns:      c.Scrape.SimultaneousTowns,
		SimultaneousIndustries: c.Scrape.SimultaneousIndustries,
		SimultaneousLookups:    c.Scrape.SimultaneousLookups,
		EnableProviderLookup:   c.Scrape.EnableProviderLookup,
	}
}

// SourceTimeout converts the source timeout into a duration.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// DefaultWait converts the queue wait fallback into a duration.
func (c Config) DefaultWait() time.Duration {
	return time.Duration(c.Queue.DefaultWaitMinutes) * time.Minute
}
