package crawl

import (
	"context"
	"time"
)

// JobStore persists jobs and their URL records durably enough to rebuild
// in-memory state after a crash. UpsertURL must be an idempotent overwrite
// keyed by (job id, normalized URL).
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	UpsertURL(ctx context.Context, rec URLRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListURLs(ctx context.Context, jobID string) ([]URLRecord, error)
}

// BlobStore writes fetched artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves a URL once and returns the body plus metadata. It must
// honor the request timeout and return promptly when ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Processor cleans fetched content and derives its fingerprint. Optional:
// when unavailable the fingerprint falls back to a hash of the raw bytes.
type Processor interface {
	Process(ctx context.Context, content []byte) (cleaned []byte, fingerprint string, err error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
