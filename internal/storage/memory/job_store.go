package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/storage"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawl.Job
	urls  map[string]map[string]crawl.URLRecord
	order map[string][]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]crawl.Job),
		urls:  make(map[string]map[string]crawl.URLRecord),
		order: make(map[string][]string),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return storage.ErrAlreadyExists
	}
	s.jobs[job.ID] = job
	s.urls[job.ID] = make(map[string]crawl.URLRecord)
	return nil
}

// UpdateJob overwrites the stored job.
func (s *JobStore) UpdateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return storage.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// UpsertURL overwrites the record keyed by (job id, normalized URL).
// Repeating a write with the same record is a no-op, which is what makes
// coordinator persistence retries safe.
func (s *JobStore) UpsertURL(_ context.Context, rec crawl.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.urls[rec.JobID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, seen := records[rec.URL]; !seen {
		s.order[rec.JobID] = append(s.order[rec.JobID], rec.URL)
	}
	records[rec.URL] = rec
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, storage.ErrNotFound
	}
	return job, nil
}

// ListJobs returns jobs ordered by submission time, newest first,
// optionally filtered by status. Pagination follows limit/offset.
func (s *JobStore) ListJobs(_ context.Context, status *crawl.JobStatus, limit, offset int) ([]crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]crawl.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Submitted.Equal(jobs[j].Submitted) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].Submitted.After(jobs[j].Submitted)
	})
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListURLs returns the job's records in first-write order.
func (s *JobStore) ListURLs(_ context.Context, jobID string) ([]crawl.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.urls[jobID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]crawl.URLRecord, 0, len(records))
	for _, url := range s.order[jobID] {
		out = append(out, records[url])
	}
	return out, nil
}
