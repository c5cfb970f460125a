// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/predicate"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Ledger     LedgerConfig              `mapstructure:"ledger"`
	Fetch      FetchConfig               `mapstructure:"fetch"`
	Pipeline   PipelineConfig            `mapstructure:"pipeline"`
	Predicates map[string]predicate.Spec `mapstructure:"predicates"`
	Queues     map[string]QueueConfig    `mapstructure:"queues"`
	Processor  ProcessorConfig           `mapstructure:"processor"`
	PubSub     PubSubConfig              `mapstructure:"pubsub"`
	Archive    ArchiveConfig             `mapstructure:"archive"`
	Lease      LeaseConfig               `mapstructure:"lease"`
	Server     ServerConfig              `mapstructure:"server"`
	Logging    LoggingConfig             `mapstructure:"logging"`
}

// LedgerConfig selects the ledger database.
type LedgerConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// FetchConfig configures the fetch capability and the retry policy around it.
type FetchConfig struct {
	Capability       string `mapstructure:"capability"`
	Endpoint         string `mapstructure:"endpoint"`
	APIKey           string `mapstructure:"api_key"`
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	Jitter           bool   `mapstructure:"jitter"`
	ExtractHTML      bool   `mapstructure:"extract_html"`
	WaitSeconds      int    `mapstructure:"wait_seconds"`
}

// PipelineConfig governs the primary queue loop.
type PipelineConfig struct {
	BatchSize       int    `mapstructure:"batch_size"`
	MaxBatches      int    `mapstructure:"max_batches"`
	Checkpoint      string `mapstructure:"checkpoint"`
	ExpectedMax     int    `mapstructure:"expected_max"`
	Predicate       string `mapstructure:"predicate"`
	StopOnZeroSaved bool   `mapstructure:"stop_on_zero_saved"`
}

// QueueConfig describes one secondary queue.
type QueueConfig struct {
	Predicate string `mapstructure:"predicate"`
	BatchSize int    `mapstructure:"batch_size"`
}

// ProcessorConfig selects the downstream processor.
type ProcessorConfig struct {
	Kind           string   `mapstructure:"kind"`
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	Dir            string   `mapstructure:"dir"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	EnvVar         string   `mapstructure:"env_var"`
	Markers        []string `mapstructure:"markers"`
}

// PubSubConfig holds metadata for batch notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig controls raw markup offload.
type ArchiveConfig struct {
	Provider   string `mapstructure:"provider"`
	Path       string `mapstructure:"path"`
	Bucket     string `mapstructure:"bucket"`
	Prefix     string `mapstructure:"prefix"`
	KeepInline bool   `mapstructure:"keep_inline"`
}

// LeaseConfig configures the single-writer lease.
type LeaseConfig struct {
	Provider   string `mapstructure:"provider"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from .env files, disk and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("HARVEST")
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

// loadDotEnv loads KEY=value pairs without overriding the environment. A
// missing file is fine.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.path", "data/harvest.sqlite")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.min_conns", 0)

	v.SetDefault("fetch.capability", "remote")
	v.SetDefault("fetch.endpoint", "")
	v.SetDefault("fetch.api_key", "")
	v.SetDefault("fetch.user_agent", "harvester/0.1")
	v.SetDefault("fetch.timeout_seconds", 120)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 1000)
	v.SetDefault("fetch.backoff_max_ms", 10000)
	v.SetDefault("fetch.jitter", false)
	v.SetDefault("fetch.extract_html", false)
	v.SetDefault("fetch.wait_seconds", 0)

	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.max_batches", 0)
	v.SetDefault("pipeline.checkpoint", string(harvest.CheckpointAll))
	v.SetDefault("pipeline.expected_max", 0)
	v.SetDefault("pipeline.predicate", "content")
	v.SetDefault("pipeline.stop_on_zero_saved", false)

	v.SetDefault("predicates", map[string]any{
		"content": map[string]any{
			"prefix": "https://www.ycombinator.com/companies/",
			"exclude_segments": []string{
				"/industry/", "/location/", "/batch/", "/tags/", "/jobs", "/launches",
			},
		},
		"jobs": map[string]any{
			"prefix":  "https://www.ycombinator.com/companies/",
			"segment": "/jobs/",
		},
	})
	v.SetDefault("queues", map[string]any{
		"jobs": map[string]any{"predicate": "jobs", "batch_size": 50},
	})

	v.SetDefault("processor.kind", "noop")
	v.SetDefault("processor.command", "")
	v.SetDefault("processor.timeout_seconds", 300)
	v.SetDefault("processor.env_var", "HARVEST_LEDGER_PATH")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.path", "data/blobs")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.keep_inline", false)

	v.SetDefault("lease.provider", "none")
	v.SetDefault("lease.addr", "localhost:6379")
	v.SetDefault("lease.password", "")
	v.SetDefault("lease.db", 0)
	v.SetDefault("lease.ttl_seconds", 1800)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.timeout_seconds", 30)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for sqlite")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("ledger.driver must be sqlite or postgres, got %q", c.Ledger.Driver)
	}

	switch c.Fetch.Capability {
	case "remote", "colly":
	default:
		return fmt.Errorf("fetch.capability must be remote or colly, got %q", c.Fetch.Capability)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.BackoffMaxMs < c.Fetch.BackoffInitialMs {
		return fmt.Errorf("fetch.backoff_max_ms must be >= fetch.backoff_initial_ms")
	}

	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pipeline.MaxBatches < 0 {
		return fmt.Errorf("pipeline.max_batches must be >= 0")
	}
	if _, err := harvest.ParseCheckpointPolicy(c.Pipeline.Checkpoint); err != nil {
		return fmt.Errorf("pipeline.checkpoint: %w", err)
	}
	registry, err := c.Registry()
	if err != nil {
		return err
	}
	if _, err := registry.Get(c.Pipeline.Predicate); err != nil {
		return fmt.Errorf("pipeline.predicate: %w", err)
	}
	for name, q := range c.Queues {
		if _, err := registry.Get(q.Predicate); err != nil {
			return fmt.Errorf("queues.%s.predicate: %w", name, err)
		}
	}

	switch c.Processor.Kind {
	case "noop":
	case "exec":
		if c.Processor.Command == "" {
			return fmt.Errorf("processor.command is required for the exec processor")
		}
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub processor")
		}
	default:
		return fmt.Errorf("processor.kind must be noop, exec or pubsub, got %q", c.Processor.Kind)
	}

	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.Path == "" {
			return fmt.Errorf("archive.path is required for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.provider must be none, memory, local or gcs, got %q", c.Archive.Provider)
	}

	switch c.Lease.Provider {
	case "none":
	case "redis":
		if c.Lease.Addr == "" {
			return fmt.Errorf("lease.addr is required for the redis lease")
		}
	default:
		return fmt.Errorf("lease.provider must be none or redis, got %q", c.Lease.Provider)
	}

	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Registry builds the named predicates.
func (c Config) Registry() (*predicate.Registry, error) {
	registry, err := predicate.NewRegistry(c.Predicates)
	if err != nil {
		return nil, fmt.Errorf("predicates: %w", err)
	}
	return registry, nil
}

// CheckpointPolicy returns the parsed pipeline checkpoint policy.
func (c Config) CheckpointPolicy() harvest.CheckpointPolicy {
	policy, err := harvest.ParseCheckpointPolicy(c.Pipeline.Checkpoint)
	if err != nil {
		return harvest.CheckpointAll
	}
	return policy
}

// FetchTimeout converts the capability timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// WaitHint converts the per-page wait into a duration.
func (c Config) WaitHint() time.Duration {
	return time.Duration(c.Fetch.WaitSeconds) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

// ProcessorTimeout converts the processor timeout into a duration.
func (c Config) ProcessorTimeout() time.Duration {
	return time.Duration(c.Processor.TimeoutSeconds) * time.Second
}

// LeaseTTL converts the lease TTL into a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}
