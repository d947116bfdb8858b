// Package main hosts the crawld service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job management endpoints. Submissions are
//     validated, normalized into a crawl.Config policy, and handed to the manager, which persists the job before
//     admitting any URL.
//   - Manager & coordinators: internal/manager runs one coordinator goroutine per active job. The coordinator owns
//     the job's scheduler state (queued, in-flight, retrying), applies per-domain and global rate limits before
//     admission, and finalizes the job record when every URL settles. Context cancellation propagates from main
//     through the manager to coordinators on shutdown.
//   - Fetch pipeline: a fixed worker pool shared by all jobs performs single-page fetches via the Colly-based
//     fetcher (with optional robots.txt enforcement), runs the content processor to clean and fingerprint the
//     payload, and writes artifacts to the configured blob store keyed by fingerprint.
//   - Dedup & fanout: fingerprints are checked against a cross-job index (memory or Redis) so repeat content is
//     skipped instead of re-stored. Job state lives in memory or Postgres, artifacts in memory/local/GCS, and a
//     compact completion event is published to Pub/Sub when a topic is configured. Progress events are buffered by
//     the hub and fanned out to the Prometheus and log sinks.
//   - Configuration & plumbing: Viper populates config from env/files with the CRAWLD_ prefix; zap provides
//     structured logging; Prometheus metrics are exported via the metrics middleware and /metrics handler; traces
//     export to Cloud Trace when a project is configured.
//
// Operational notes:
//   - Concurrency model: per-job admission is capped by the crawl policy's max_concurrent while worker.size bounds
//     total fetch parallelism across jobs. Retries are scheduled with exponential backoff and jitter inside the
//     coordinator, so the pool itself never sleeps.
//   - Shutdown: the process reacts to SIGINT/SIGTERM by draining the HTTP server, cancelling coordinators, joining
//     the pool, and flushing the progress hub. Interrupted jobs stay Running in the store and can be resumed with
//     POST /v1/jobs/{job_id}/recover after restart.
//   - Observability: zap logs carry job IDs and URLs at key transitions; Prometheus counters/histograms track API
//     and crawl activity; the progress hub exports per-domain fetch metrics without touching the hot path.
//
// Quick checklist:
//   - Configure env vars: CRAWLD_SERVER_PORT, CRAWLD_WORKER_SIZE, CRAWLD_FETCHER_RESPECT_ROBOTS,
//     CRAWLD_STORAGE_BACKEND plus its backend fields, CRAWLD_DATABASE_DSN and CRAWLD_REDIS_ADDR when persistence
//     beyond memory is required, and CRAWLD_PUBSUB_PROJECT_ID/CRAWLD_PUBSUB_COMPLETION_TOPIC for completion fanout.
//   - Run locally: go run ./cmd/crawld -config config.yaml (or rely solely on env overrides).
//   - Health endpoints (/healthz, /readyz) remain lightweight; the process shuts down cleanly on SIGTERM with
//     in-flight fetches bounded by the per-job fetch timeout.
package main
