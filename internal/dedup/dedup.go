// Package dedup suppresses redundant crawl work at two levels: normalized
// URL admission inside a job, and content fingerprints within and across
// jobs. Both checks are advisory; the job coordinator applies the verdicts.
package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/scrag-io/crawld/internal/crawl"
)

// AdmitURLs normalizes raw URLs into the initial URLRecord set for a job.
// The first occurrence of each normalized form is Queued under its normalized
// URL; later occurrences are Skipped under their raw form, pointing at the
// kept record. URLs that fail normalization are admitted directly into
// PermanentlyFailed with a malformed kind so the job result accounts for them
// without a fetch. Record keys are unique within the returned set: an exact
// repeat of an input string is collapsed rather than given a second record.
func AdmitURLs(jobID string, rawURLs []string, now time.Time) []crawl.URLRecord {
	records := make([]crawl.URLRecord, 0, len(rawURLs))
	seenNorm := make(map[string]struct{}, len(rawURLs))
	usedKeys := make(map[string]struct{}, len(rawURLs))

	for _, raw := range rawURLs {
		normalized, err := crawl.NormalizeURL(raw)
		if err != nil {
			if _, used := usedKeys[raw]; used {
				continue
			}
			usedKeys[raw] = struct{}{}
			records = append(records, crawl.URLRecord{
				JobID:         jobID,
				URL:           raw,
				OriginalURL:   raw,
				Status:        crawl.URLStatusPermanentlyFailed,
				LastErrorKind: crawl.ErrorKindMalformedURL,
				UpdatedAt:     now,
			})
			continue
		}
		if _, dup := seenNorm[normalized]; dup {
			if _, used := usedKeys[raw]; used {
				continue
			}
			usedKeys[raw] = struct{}{}
			records = append(records, crawl.URLRecord{
				JobID:       jobID,
				URL:         raw,
				OriginalURL: raw,
				Status:      crawl.URLStatusSkipped,
				DuplicateOf: normalized,
				UpdatedAt:   now,
			})
			continue
		}
		seenNorm[normalized] = struct{}{}
		usedKeys[normalized] = struct{}{}
		records = append(records, crawl.URLRecord{
			JobID:       jobID,
			URL:         normalized,
			OriginalURL: raw,
			Status:      crawl.URLStatusQueued,
			UpdatedAt:   now,
		})
	}
	return records
}

// Index persists content fingerprints across jobs. Implementations must be
// safe for concurrent use; several job coordinators may share one index.
type Index interface {
	Lookup(ctx context.Context, fingerprint string) (canonicalURL string, found bool, err error)
	Store(ctx context.Context, fingerprint, url string) error
}

// Matcher decides whether a fingerprint duplicates previously seen content.
// The exact-hash matcher is the default; similarity-based matchers can be
// plugged in without touching the coordinator.
type Matcher interface {
	Match(ctx context.Context, fingerprint string) (canonicalURL string, found bool, err error)
	Record(ctx context.Context, fingerprint, url string) error
}

// ExactMatcher matches fingerprints by equality against the fingerprints of
// this job's succeeded records, then against an optional persisted index
// from previous jobs. It is owned by a single job coordinator and needs no
// locking of its own.
type ExactMatcher struct {
	seen  map[string]string
	index Index
}

// NewExactMatcher creates an ExactMatcher. index may be nil, restricting
// matches to the current job.
func NewExactMatcher(index Index) *ExactMatcher {
	return &ExactMatcher{
		seen:  make(map[string]string),
		index: index,
	}
}

// Match returns the canonical URL previously recorded for the fingerprint.
func (m *ExactMatcher) Match(ctx context.Context, fingerprint string) (string, bool, error) {
	if fingerprint == "" {
		return "", false, errors.New("empty fingerprint")
	}
	if url, ok := m.seen[fingerprint]; ok {
		return url, true, nil
	}
	if m.index != nil {
		return m.index.Lookup(ctx, fingerprint)
	}
	return "", false, nil
}

// Record remembers the fingerprint for this job and, when an index is
// configured, persists it for future jobs.
func (m *ExactMatcher) Record(ctx context.Context, fingerprint, url string) error {
	if fingerprint == "" {
		return errors.New("empty fingerprint")
	}
	if _, ok := m.seen[fingerprint]; !ok {
		m.seen[fingerprint] = url
	}
	if m.index != nil {
		return m.index.Store(ctx, fingerprint, url)
	}
	return nil
}
