// Package config loads and validates daemon configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scrag-io/crawld/internal/crawl"
)

// Config captures every service knob loaded via Viper. Fields map 1:1 to
// the YAML layout; environment variables override with the CRAWLD_ prefix
// (CRAWLD_SERVER_PORT=9090 overrides server.port).
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap behavior.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CrawlConfig holds the default per-job policy; submissions may override
// any field per job.
type CrawlConfig struct {
	DomainRatePerSecond float64       `mapstructure:"domain_rate_per_second"`
	DomainBurst         int           `mapstructure:"domain_burst"`
	GlobalRatePerSecond float64       `mapstructure:"global_rate_per_second"`
	GlobalBurst         int           `mapstructure:"global_burst"`
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	RetryMultiplier     float64       `mapstructure:"retry_multiplier"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	MaxAdmissionWait    time.Duration `mapstructure:"max_admission_wait"`
	UserAgent           string        `mapstructure:"user_agent"`

	// BlockedDomains lists domains refused at submission. A leading "*." or
	// "." matches subdomains. Operator policy, not part of per-job defaults.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// ManagerConfig tunes job-state persistence retries.
type ManagerConfig struct {
	PersistAttempts int           `mapstructure:"persist_attempts"`
	PersistBackoff  time.Duration `mapstructure:"persist_backoff"`
}

// WorkerConfig sizes the fetch pool shared by all jobs. Per-job concurrency
// is capped separately by the crawl policy.
type WorkerConfig struct {
	Size       int `mapstructure:"size"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// FetcherConfig configures the HTTP fetcher.
type FetcherConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects the artifact blob backend.
type StorageConfig struct {
	// Backend is one of memory, local, gcs.
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig controls the Postgres job store. An empty DSN keeps job
// state in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig controls the cross-job fingerprint index. An empty Addr
// keeps the index in memory.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// PubSubConfig holds completion-event publishing metadata. An empty
// CompletionTopic disables publishing.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CompletionTopic string `mapstructure:"completion_topic"`
}

// TelemetryConfig names the service in traces and metrics.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
}

// ProgressConfig sizes the event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// Load builds a Config from disk and environment. path may be empty, in
// which case only defaults and environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLD")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Empty defaults register the keys so environment-only overrides
	// (CRAWLD_AUTH_API_KEY, CRAWLD_DATABASE_DSN) survive Unmarshal.
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("crawl.domain_rate_per_second", crawl.DefaultDomainRatePerSecond)
	v.SetDefault("crawl.domain_burst", crawl.DefaultDomainBurst)
	v.SetDefault("crawl.global_rate_per_second", crawl.DefaultGlobalRatePerSecond)
	v.SetDefault("crawl.global_burst", crawl.DefaultGlobalBurst)
	v.SetDefault("crawl.max_concurrent", crawl.DefaultMaxConcurrent)
	v.SetDefault("crawl.max_attempts", crawl.DefaultMaxAttempts)
	v.SetDefault("crawl.retry_base_delay", crawl.DefaultRetryBaseDelay)
	v.SetDefault("crawl.retry_max_delay", crawl.DefaultRetryMaxDelay)
	v.SetDefault("crawl.retry_multiplier", crawl.DefaultRetryMultiplier)
	v.SetDefault("crawl.fetch_timeout", crawl.DefaultFetchTimeout)
	v.SetDefault("crawl.max_admission_wait", crawl.DefaultMaxAdmissionWait)
	v.SetDefault("crawl.user_agent", crawl.DefaultUserAgent)
	v.SetDefault("crawl.blocked_domains", []string{})

	v.SetDefault("manager.persist_attempts", 3)
	v.SetDefault("manager.persist_backoff", "100ms")

	v.SetDefault("worker.size", 16)
	v.SetDefault("worker.queue_depth", 64)

	v.SetDefault("fetcher.user_agent", crawl.DefaultUserAgent)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout", crawl.DefaultFetchTimeout)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("redis.ttl", "0s")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.completion_topic", "")

	v.SetDefault("telemetry.service_name", "crawld")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.region", "")

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.log_events", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.MaxConcurrent <= 0 {
		return fmt.Errorf("crawl.max_concurrent must be > 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return fmt.Errorf("crawl.max_attempts must be > 0")
	}
	if c.Worker.Size <= 0 {
		return fmt.Errorf("worker.size must be > 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.PubSub.CompletionTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a completion topic is configured")
	}
	if c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0")
	}
	return nil
}

// JobDefaults converts the crawl section into the per-job policy applied
// to submissions that leave fields unset.
func (c Config) JobDefaults() crawl.Config {
	return crawl.Config{
		DomainRatePerSecond: c.Crawl.DomainRatePerSecond,
		DomainBurst:         c.Crawl.DomainBurst,
		GlobalRatePerSecond: c.Crawl.GlobalRatePerSecond,
		GlobalBurst:         c.Crawl.GlobalBurst,
		MaxConcurrent:       c.Crawl.MaxConcurrent,
		MaxAttempts:         c.Crawl.MaxAttempts,
		RetryBaseDelay:      c.Crawl.RetryBaseDelay,
		RetryMaxDelay:       c.Crawl.RetryMaxDelay,
		RetryMultiplier:     c.Crawl.RetryMultiplier,
		FetchTimeout:        c.Crawl.FetchTimeout,
		MaxAdmissionWait:    c.Crawl.MaxAdmissionWait,
		UserAgent:           c.Crawl.UserAgent,
	}.WithDefaults()
}
