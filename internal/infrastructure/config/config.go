package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Queue     QueueConfig     `koanf:"queue"`
	Audit     AuditConfig     `koanf:"audit"`
	Rules     RulesConfig     `koanf:"rules"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type DatabaseConfig struct {
	URL               string        `koanf:"url"`
	MaxConns          int32         `koanf:"max_conns"`
	MinConns          int32         `koanf:"min_conns"`
	MaxConnLifetime   time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `koanf:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `koanf:"health_check_period"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type QueueConfig struct {
	// Namespace prefixes every Redis key so queues from different
	// deployments never collide.
	Namespace    string        `koanf:"namespace"`
	MaxRetries   int           `koanf:"max_retries"`
	BackoffDelay time.Duration `koanf:"backoff_delay"`
	BatchSize    int           `koanf:"batch_size"`
	Workers      int           `koanf:"workers"`
	PollInterval time.Duration `koanf:"poll_interval"`
	JobTimeout   time.Duration `koanf:"job_timeout"`
}

type AuditConfig struct {
	RetentionDays    int           `koanf:"retention_days"`
	CleanupHour      int           `koanf:"cleanup_hour"`
	RecentWindow     time.Duration `koanf:"recent_window"`
	RecentLimit      int           `koanf:"recent_limit"`
	VerifyBatchSize  int           `koanf:"verify_batch_size"`
	ArchiveChunkSize int           `koanf:"archive_chunk_size"`
}

type RulesConfig struct {
	HotReloadInterval time.Duration `koanf:"hot_reload_interval"`
	EvalTimeout       time.Duration `koanf:"eval_timeout"`
}

type ArchiveConfig struct {
	// Backend selects the archive storage: "local" or "s3".
	Backend string   `koanf:"backend"`
	Dir     string   `koanf:"dir"`
	S3      S3Config `koanf:"s3"`
}

type S3Config struct {
	Endpoint     string `koanf:"endpoint"`
	Region       string `koanf:"region"`
	Bucket       string `koanf:"bucket"`
	AccessKey    string `koanf:"access_key"`
	SecretKey    string `koanf:"secret_key"`
	UsePathStyle bool   `koanf:"use_path_style"`
}

type TelemetryConfig struct {
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	MetricsAddr  string `koanf:"metrics_addr"`
	TracesOn     bool   `koanf:"traces_on"`
}

// Load reads configuration from defaults, the optional default config file,
// and AEGIS_ environment overrides, in that order.
func Load() (*Config, error) {
	return LoadFromFile("configs/config.yaml")
}

// LoadFromFile is Load with an explicit config file path. The file is
// optional; environment variables always apply last. Nested keys map from
// env as AEGIS_SECTION__KEY (double underscore descends a level).
func LoadFromFile(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxConns:          25,
			MinConns:          5,
			MaxConnLifetime:   time.Hour,
			MaxConnIdleTime:   30 * time.Minute,
			HealthCheckPeriod: time.Minute,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Queue: QueueConfig{
			Namespace:    "aegis",
			MaxRetries:   3,
			BackoffDelay: 2 * time.Second,
			BatchSize:    100,
			Workers:      4,
			PollInterval: 250 * time.Millisecond,
			JobTimeout:   30 * time.Second,
		},
		Audit: AuditConfig{
			RetentionDays:    90,
			CleanupHour:      2,
			RecentWindow:     60 * time.Minute,
			RecentLimit:      500,
			VerifyBatchSize:  1000,
			ArchiveChunkSize: 10000,
		},
		Rules: RulesConfig{
			HotReloadInterval: 60 * time.Second,
			EvalTimeout:       500 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			Backend: "local",
			Dir:     "archives",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "aegis",
			MetricsAddr: ":9464",
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if path != "" {
		_ = k.Load(file.Provider(path), yaml.Parser())
	}

	if err := k.Load(env.Provider("AEGIS_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "AEGIS_"))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.BackoffDelay <= 0 {
		return fmt.Errorf("queue.backoff_delay must be positive")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be at least 1, got %d", c.Audit.RetentionDays)
	}
	if c.Audit.CleanupHour < 0 || c.Audit.CleanupHour > 23 {
		return fmt.Errorf("audit.cleanup_hour must be within 0..23, got %d", c.Audit.CleanupHour)
	}
	if c.Audit.ArchiveChunkSize < 1 {
		return fmt.Errorf("audit.archive_chunk_size must be at least 1")
	}
	if c.Rules.HotReloadInterval <= 0 {
		return fmt.Errorf("rules.hot_reload_interval must be positive")
	}
	if c.Rules.EvalTimeout <= 0 {
		return fmt.Errorf("rules.eval_timeout must be positive")
	}
	switch c.Archive.Backend {
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the local backend")
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("archive.backend must be \"local\" or \"s3\", got %q", c.Archive.Backend)
	}
	return nil
}
