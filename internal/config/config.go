// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Queries    QueriesConfig    `mapstructure:"queries"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int `mapstructure:"port"`
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	ShutdownGraceMs  int `mapstructure:"shutdown_grace_ms"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StreamingConfig tunes the query manager and the micro-batch engine.
type StreamingConfig struct {
	ProgressRetention        int `mapstructure:"progress_retention"`
	TriggerIntervalMs        int `mapstructure:"trigger_interval_ms"`
	NoDataProgressIntervalMs int `mapstructure:"no_data_progress_interval_ms"`
	ListenerTimeoutMs        int `mapstructure:"listener_timeout_ms"`
	ShufflePartitions        int `mapstructure:"shuffle_partitions"`
}

// CheckpointConfig selects the checkpoint store; an empty path keeps
// checkpoints in memory.
type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig controls access to the run history database. An empty DSN
// keeps history in memory.
type DatabaseConfig struct {
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int32  `mapstructure:"max_conns"`
	MinConns            int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSecs int    `mapstructure:"max_conn_lifetime_seconds"`
	MigrateOnStart      bool   `mapstructure:"migrate_on_start"`
}

// PubSubConfig holds metadata for lifecycle event notifications. Publishing
// is disabled unless both fields are set.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	TopicName   string `mapstructure:"topic_name"`
	IncludeIdle bool   `mapstructure:"include_idle"`
}

// Enabled reports whether lifecycle events are published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig selects where terminated runs are archived.
type ArchiveConfig struct {
	Backend  string             `mapstructure:"backend"`
	Bucket   string             `mapstructure:"bucket"`
	Prefix   string             `mapstructure:"prefix"`
	Checksum bool               `mapstructure:"checksum"`
	Local    LocalArchiveConfig `mapstructure:"local"`
}

// LocalArchiveConfig configures the filesystem archive backend.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ProgressConfig controls the asynchronous progress hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig tunes hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// QueriesConfig holds named query templates that can be started by name.
type QueriesConfig struct {
	Templates map[string]QueryTemplate `mapstructure:"templates"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STREAMQ")
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
	cfg.Queries.Templates = withDefaultTemplates(cfg.Queries.Templates)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_ms", 60000)
	v.SetDefault("server.shutdown_grace_ms", 10000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("streaming.progress_retention", 100)
	v.SetDefault("streaming.trigger_interval_ms", 100)
	v.SetDefault("streaming.no_data_progress_interval_ms", 10000)
	v.SetDefault("streaming.listener_timeout_ms", 10000)
	v.SetDefault("streaming.shuffle_partitions", 1)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime_seconds", 1800)
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("archive.checksum", true)
	v.SetDefault("archive.local.base_dir", "data/archive")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("telemetry.service_name", "streamq")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Streaming.ProgressRetention <= 0 {
		return fmt.Errorf("streaming.progress_retention must be > 0")
	}
	if c.Streaming.TriggerIntervalMs <= 0 {
		return fmt.Errorf("streaming.trigger_interval_ms must be > 0")
	}
	if c.Streaming.ShufflePartitions <= 0 {
		return fmt.Errorf("streaming.shuffle_partitions must be > 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	for name, tmpl := range c.Queries.Templates {
		if err := tmpl.validate(); err != nil {
			return fmt.Errorf("queries.templates.%s: %w", name, err)
		}
	}
	return nil
}

// TriggerInterval returns the default micro-batch interval.
func (c StreamingConfig) TriggerInterval() time.Duration {
	return time.Duration(c.TriggerIntervalMs) * time.Millisecond
}

// NoDataProgressInterval returns the minimum gap between idle notifications.
func (c StreamingConfig) NoDataProgressInterval() time.Duration {
	return time.Duration(c.NoDataProgressIntervalMs) * time.Millisecond
}

// ListenerTimeout returns the per-listener callback deadline.
func (c StreamingConfig) ListenerTimeout() time.Duration {
	return time.Duration(c.ListenerTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the HTTP handler deadline.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ShutdownGrace bounds graceful shutdown.
func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}
