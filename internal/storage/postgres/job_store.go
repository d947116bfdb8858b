// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/storage"
)

// JobStoreConfig controls the Postgres connection pool used for job state.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists jobs and their per-URL records in the crawl_jobs and
// crawl_urls tables. UpsertURL is keyed on (job_id, url) so replaying a write
// after a crash lands on the same row.
type JobStore struct {
	pool pgxPool
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row. A duplicate ID returns storage.ErrAlreadyExists.
func (s *JobStore) CreateJob(ctx context.Context, job crawl.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	query := `
INSERT INTO crawl_jobs (
	id,
	status,
	config,
	url_count,
	submitted_at,
	started_at,
	finished_at,
	error_text
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
) ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		configJSON,
		job.URLCount,
		job.Submitted,
		job.Started,
		job.Finished,
		job.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// UpdateJob overwrites the mutable fields of an existing job row.
func (s *JobStore) UpdateJob(ctx context.Context, job crawl.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	query := `
UPDATE crawl_jobs
SET status = $2,
	config = $3,
	url_count = $4,
	started_at = $5,
	finished_at = $6,
	error_text = $7
WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		configJSON,
		job.URLCount,
		job.Started,
		job.Finished,
		job.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpsertURL writes the record for (job_id, url), inserting on first sight and
// overwriting on every later write.
func (s *JobStore) UpsertURL(ctx context.Context, rec crawl.URLRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	if rec.JobID == "" || rec.URL == "" {
		return fmt.Errorf("job id and url are required")
	}
	query := `
INSERT INTO crawl_urls (
	job_id,
	url,
	original_url,
	status,
	attempts,
	last_error_kind,
	next_retry_at,
	fingerprint,
	duplicate_of,
	artifact_uri,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
) ON CONFLICT (job_id, url) DO UPDATE SET
	original_url = EXCLUDED.original_url,
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	last_error_kind = EXCLUDED.last_error_kind,
	next_retry_at = EXCLUDED.next_retry_at,
	fingerprint = EXCLUDED.fingerprint,
	duplicate_of = EXCLUDED.duplicate_of,
	artifact_uri = EXCLUDED.artifact_uri,
	updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		rec.JobID,
		rec.URL,
		rec.OriginalURL,
		string(rec.Status),
		rec.Attempts,
		string(rec.LastErrorKind),
		nullableTime(rec.NextRetryAt),
		rec.Fingerprint,
		rec.DuplicateOf,
		rec.ArtifactURI,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert url record: %w", err)
	}
	return nil
}

// GetJob loads a single job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	if s == nil || s.pool == nil {
		return crawl.Job{}, fmt.Errorf("job store is not configured")
	}
	query := `
SELECT id, status, config, url_count, submitted_at, started_at, finished_at, error_text
FROM crawl_jobs
WHERE id = $1`

	var (
		job        crawl.Job
		status     string
		configJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&status,
		&configJSON,
		&job.URLCount,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return crawl.Job{}, storage.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = crawl.JobStatus(status)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
// limit <= 0 means no limit.
func (s *JobStore) ListJobs(ctx context.Context, status *crawl.JobStatus, limit, offset int) ([]crawl.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store is not configured")
	}
	query := `
SELECT id, status, config, url_count, submitted_at, started_at, finished_at, error_text
FROM crawl_jobs
WHERE ($1::text IS NULL OR status = $1)
ORDER BY submitted_at DESC, id
LIMIT $2 OFFSET $3`

	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawl.Job
	for rows.Next() {
		var (
			job        crawl.Job
			jobStatus  string
			configJSON []byte
		)
		err := rows.Scan(
			&job.ID,
			&jobStatus,
			&configJSON,
			&job.URLCount,
			&job.Submitted,
			&job.Started,
			&job.Finished,
			&job.ErrorText,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = crawl.JobStatus(jobStatus)
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &job.Config); err != nil {
				return nil, fmt.Errorf("unmarshal job config: %w", err)
			}
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ListURLs returns every record for a job in insertion order.
func (s *JobStore) ListURLs(ctx context.Context, jobID string) ([]crawl.URLRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store is not configured")
	}
	query := `
SELECT job_id, url, original_url, status, attempts, last_error_kind,
	next_retry_at, fingerprint, duplicate_of, artifact_uri, updated_at
FROM crawl_urls
WHERE job_id = $1
ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list url records: %w", err)
	}
	defer rows.Close()

	var records []crawl.URLRecord
	for rows.Next() {
		var (
			rec         crawl.URLRecord
			status      string
			errorKind   string
			nextRetryAt *time.Time
		)
		err := rows.Scan(
			&rec.JobID,
			&rec.URL,
			&rec.OriginalURL,
			&status,
			&rec.Attempts,
			&errorKind,
			&nextRetryAt,
			&rec.Fingerprint,
			&rec.DuplicateOf,
			&rec.ArtifactURI,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan url record: %w", err)
		}
		rec.Status = crawl.URLStatus(status)
		rec.LastErrorKind = crawl.ErrorKind(errorKind)
		if nextRetryAt != nil {
			rec.NextRetryAt = *nextRetryAt
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate url records: %w", err)
	}
	return records, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
