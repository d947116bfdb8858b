package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrag-io/crawld/internal/crawl"
)

func TestAdmitURLsDeduplicatesByNormalizedForm(t *testing.T) {
	t.Parallel()

	now := time.Unix(5000, 0)
	records := AdmitURLs("job-1", []string{
		"http://Example.com/a?x=1&y=2",
		"http://example.com/a?y=2&x=1",
	}, now)

	require.Len(t, records, 2)
	require.Equal(t, crawl.URLStatusQueued, records[0].Status)
	require.Equal(t, "http://example.com/a?x=1&y=2", records[0].URL)
	require.Equal(t, "http://Example.com/a?x=1&y=2", records[0].OriginalURL)

	require.Equal(t, crawl.URLStatusSkipped, records[1].Status)
	require.Equal(t, records[0].URL, records[1].DuplicateOf)
}

func TestAdmitURLsPreservesOrderAcrossDomains(t *testing.T) {
	t.Parallel()

	now := time.Unix(5000, 0)
	records := AdmitURLs("job-1", []string{
		"https://a.test/1",
		"https://b.test/1",
		"https://a.test/1#fragment",
		"https://a.test/2",
	}, now)

	require.Len(t, records, 4)
	require.Equal(t, crawl.URLStatusQueued, records[0].Status)
	require.Equal(t, crawl.URLStatusQueued, records[1].Status)
	require.Equal(t, crawl.URLStatusSkipped, records[2].Status, "fragment-only difference is the same URL")
	require.Equal(t, crawl.URLStatusQueued, records[3].Status)
}

func TestAdmitURLsCollapsesExactRepeats(t *testing.T) {
	t.Parallel()

	now := time.Unix(5000, 0)
	records := AdmitURLs("job-1", []string{
		"https://a.test/1",
		"https://a.test/1",
		"HTTPS://a.test/1",
	}, now)

	// The byte-identical repeat is collapsed; the case-variant gets its own
	// Skipped record keyed by its raw form.
	require.Len(t, records, 2)
	require.Equal(t, crawl.URLStatusQueued, records[0].Status)
	require.Equal(t, crawl.URLStatusSkipped, records[1].Status)
	require.Equal(t, "HTTPS://a.test/1", records[1].URL)

	keys := make(map[string]struct{}, len(records))
	for _, rec := range records {
		_, clash := keys[rec.URL]
		require.False(t, clash, "record keys must be unique within a job")
		keys[rec.URL] = struct{}{}
	}
}

func TestAdmitURLsFailsMalformedAtAdmission(t *testing.T) {
	t.Parallel()

	now := time.Unix(5000, 0)
	records := AdmitURLs("job-1", []string{"https://ok.test/", "not a url"}, now)

	require.Len(t, records, 2)
	require.Equal(t, crawl.URLStatusQueued, records[0].Status)
	require.Equal(t, crawl.URLStatusPermanentlyFailed, records[1].Status)
	require.Equal(t, crawl.ErrorKindMalformedURL, records[1].LastErrorKind)
	require.Zero(t, records[1].Attempts, "no fetch happens for malformed URLs")
}

func TestExactMatcherInJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewExactMatcher(nil)

	_, found, err := m.Match(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, m.Record(ctx, "fp-1", "https://a.test/1"))

	url, found, err := m.Match(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "https://a.test/1", url)

	// First recorded URL stays canonical.
	require.NoError(t, m.Record(ctx, "fp-1", "https://a.test/other"))
	url, _, err = m.Match(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, "https://a.test/1", url)
}

func TestExactMatcherEmptyFingerprintRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewExactMatcher(nil)

	_, _, err := m.Match(ctx, "")
	require.Error(t, err)
	require.Error(t, m.Record(ctx, "", "https://a.test/1"))
}

func TestExactMatcherConsultsIndexAcrossJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	index := NewMemoryIndex()

	first := NewExactMatcher(index)
	require.NoError(t, first.Record(ctx, "fp-shared", "https://a.test/canonical"))

	// A later job with a fresh matcher still sees the fingerprint.
	second := NewExactMatcher(index)
	url, found, err := second.Match(ctx, "fp-shared")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "https://a.test/canonical", url)
	require.Equal(t, 1, index.Len())
}

func TestMemoryIndexKeepsFirstURLCanonical(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	index := NewMemoryIndex()

	require.NoError(t, index.Store(ctx, "fp", "https://first.test/"))
	require.NoError(t, index.Store(ctx, "fp", "https://second.test/"))

	url, found, err := index.Lookup(ctx, "fp")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "https://first.test/", url)
}
