package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scrag-io/crawld/internal/crawl"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 60*time.Second {
		t.Fatalf("expected request timeout 60s, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Crawl.MaxConcurrent != crawl.DefaultMaxConcurrent {
		t.Fatalf("expected default max_concurrent, got %d", cfg.Crawl.MaxConcurrent)
	}
	if cfg.Crawl.RetryBaseDelay != crawl.DefaultRetryBaseDelay {
		t.Fatalf("expected default retry base delay, got %v", cfg.Crawl.RetryBaseDelay)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory storage backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Progress.BufferSize != 4096 {
		t.Fatalf("expected progress buffer 4096, got %d", cfg.Progress.BufferSize)
	}
	if cfg.Telemetry.ServiceName != "crawld" {
		t.Fatalf("expected service name crawld, got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 30s
auth:
  enabled: true
  api_key: secret
crawl:
  max_concurrent: 4
  max_attempts: 6
  retry_base_delay: 250ms
  user_agent: cpibot/2.0
  blocked_domains:
    - internal.corp
    - "*.ads.example"
manager:
  persist_attempts: 5
  persist_backoff: 50ms
worker:
  size: 8
  queue_depth: 32
fetcher:
  respect_robots: false
  timeout: 20s
storage:
  backend: local
  local_dir: /var/lib/crawld
database:
  dsn: postgres://crawld@localhost/crawld
  max_conns: 16
redis:
  addr: localhost:6379
  key_prefix: "crawld:"
  ttl: 72h
pubsub:
  project_id: demo-project
  completion_topic: crawl-completions
progress:
  buffer_size: 512
  log_events: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 30*time.Second {
		t.Fatalf("expected server overrides to apply: %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawl.MaxAttempts != 6 || cfg.Crawl.RetryBaseDelay != 250*time.Millisecond {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if len(cfg.Crawl.BlockedDomains) != 2 || cfg.Crawl.BlockedDomains[0] != "internal.corp" {
		t.Fatalf("expected blocked domains to apply: %+v", cfg.Crawl.BlockedDomains)
	}
	if cfg.Manager.PersistAttempts != 5 || cfg.Manager.PersistBackoff != 50*time.Millisecond {
		t.Fatalf("expected manager overrides to apply: %+v", cfg.Manager)
	}
	if cfg.Worker.Size != 8 || cfg.Worker.QueueDepth != 32 {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Fetcher.RespectRobots || cfg.Fetcher.Timeout != 20*time.Second {
		t.Fatalf("expected fetcher overrides to apply: %+v", cfg.Fetcher)
	}
	if cfg.Storage.Backend != "local" || cfg.Storage.LocalDir != "/var/lib/crawld" {
		t.Fatalf("expected local storage backend: %+v", cfg.Storage)
	}
	if cfg.Database.DSN != "postgres://crawld@localhost/crawld" || cfg.Database.MaxConns != 16 {
		t.Fatalf("expected database overrides to apply: %+v", cfg.Database)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.TTL != 72*time.Hour {
		t.Fatalf("expected redis overrides to apply: %+v", cfg.Redis)
	}
	if cfg.PubSub.CompletionTopic != "crawl-completions" {
		t.Fatalf("expected completion topic override: %+v", cfg.PubSub)
	}
	if cfg.Progress.BufferSize != 512 || !cfg.Progress.LogEvents {
		t.Fatalf("expected progress overrides to apply: %+v", cfg.Progress)
	}

	// Sections absent from the file keep their defaults.
	if cfg.Storage.Prefix != "artifacts" {
		t.Fatalf("expected default storage prefix, got %q", cfg.Storage.Prefix)
	}
	if cfg.Crawl.MaxAdmissionWait != crawl.DefaultMaxAdmissionWait {
		t.Fatalf("expected default admission wait, got %v", cfg.Crawl.MaxAdmissionWait)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLD_SERVER_PORT", "9191")
	t.Setenv("CRAWLD_CRAWL_MAX_ATTEMPTS", "9")
	t.Setenv("CRAWLD_DATABASE_DSN", "postgres://env@localhost/crawld")
	t.Setenv("CRAWLD_STORAGE_BACKEND", "gcs")
	t.Setenv("CRAWLD_STORAGE_GCS_BUCKET", "crawl-artifacts")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Fatalf("expected env port 9191, got %d", cfg.Server.Port)
	}
	if cfg.Crawl.MaxAttempts != 9 {
		t.Fatalf("expected env max_attempts 9, got %d", cfg.Crawl.MaxAttempts)
	}
	if cfg.Database.DSN != "postgres://env@localhost/crawld" {
		t.Fatalf("expected env dsn to apply, got %q", cfg.Database.DSN)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "crawl-artifacts" {
		t.Fatalf("expected env storage to apply: %+v", cfg.Storage)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Crawl:    CrawlConfig{MaxConcurrent: 1, MaxAttempts: 1},
		Worker:   WorkerConfig{Size: 2},
		Fetcher:  FetcherConfig{Timeout: 10 * time.Second},
		Storage:  StorageConfig{Backend: "memory"},
		Progress: ProgressConfig{BufferSize: 64},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "invalid max concurrent",
			cfg: func() Config {
				c := base
				c.Crawl.MaxConcurrent = 0
				return c
			}(),
			want: "crawl.max_concurrent",
		},
		{
			name: "invalid max attempts",
			cfg: func() Config {
				c := base
				c.Crawl.MaxAttempts = 0
				return c
			}(),
			want: "crawl.max_attempts",
		},
		{
			name: "invalid worker size",
			cfg: func() Config {
				c := base
				c.Worker.Size = 0
				return c
			}(),
			want: "worker.size",
		},
		{
			name: "invalid fetcher timeout",
			cfg: func() Config {
				c := base
				c.Fetcher.Timeout = 0
				return c
			}(),
			want: "fetcher.timeout",
		},
		{
			name: "unknown storage backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "s3"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "local backend missing dir",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "local"
				return c
			}(),
			want: "storage.local_dir",
		},
		{
			name: "gcs backend missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "completion topic missing project",
			cfg: func() Config {
				c := base
				c.PubSub.CompletionTopic = "crawl-completions"
				return c
			}(),
			want: "pubsub.project_id",
		},
		{
			name: "invalid progress buffer",
			cfg: func() Config {
				c := base
				c.Progress.BufferSize = 0
				return c
			}(),
			want: "progress.buffer_size",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestJobDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Crawl: CrawlConfig{
		MaxConcurrent: 4,
		MaxAttempts:   6,
		UserAgent:     "cpibot/2.0",
	}}

	policy := cfg.JobDefaults()
	if policy.MaxConcurrent != 4 || policy.MaxAttempts != 6 {
		t.Fatalf("expected configured policy values, got %+v", policy)
	}
	if policy.UserAgent != "cpibot/2.0" {
		t.Fatalf("expected configured user agent, got %q", policy.UserAgent)
	}

	// Unset knobs pick up the built-in policy defaults.
	if policy.RetryMaxDelay != crawl.DefaultRetryMaxDelay {
		t.Fatalf("expected default retry max delay, got %v", policy.RetryMaxDelay)
	}
	if policy.GlobalRatePerSecond != crawl.DefaultGlobalRatePerSecond {
		t.Fatalf("expected default global rate, got %v", policy.GlobalRatePerSecond)
	}
}
