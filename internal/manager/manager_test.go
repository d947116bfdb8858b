package manager_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrag-io/crawld/internal/clock/system"
	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/dedup"
	hashsha256 "github.com/scrag-io/crawld/internal/hash/sha256"
	"github.com/scrag-io/crawld/internal/manager"
	"github.com/scrag-io/crawld/internal/progress"
	"github.com/scrag-io/crawld/internal/storage"
	"github.com/scrag-io/crawld/internal/storage/memory"
	"github.com/scrag-io/crawld/internal/worker"
)

// fastConfig keeps per-job policy timings small enough that retry and
// rate-limit paths settle within a test run.
func fastConfig() crawl.Config {
	return crawl.Config{
		DomainRatePerSecond: 500,
		DomainBurst:         10,
		GlobalRatePerSecond: 1000,
		GlobalBurst:         20,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		FetchTimeout:        2 * time.Second,
	}
}

type fetchStep struct {
	status     int
	body       string
	err        error
	retryAfter time.Duration
	delay      time.Duration
}

func okStep(body string) fetchStep { return fetchStep{status: 200, body: body} }

func statusStep(code int) fetchStep { return fetchStep{status: code, body: "nope"} }

func slowStep(d time.Duration) fetchStep {
	return fetchStep{status: 200, body: "slow body", delay: d}
}

// scriptedFetcher plays back a per-URL sequence of responses; the last step
// repeats once the script runs out. URLs without a script succeed with a
// body derived from the URL so distinct pages never collide on fingerprint.
type scriptedFetcher struct {
	mu    sync.Mutex
	plans map[string][]fetchStep
	calls map[string]int
	times map[string][]time.Time
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		plans: make(map[string][]fetchStep),
		calls: make(map[string]int),
		times: make(map[string][]time.Time),
	}
}

func (f *scriptedFetcher) plan(url string, steps ...fetchStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[url] = steps
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.mu.Lock()
	n := f.calls[req.URL]
	f.calls[req.URL]++
	f.times[req.URL] = append(f.times[req.URL], time.Now())
	steps := f.plans[req.URL]
	f.mu.Unlock()

	step := okStep("content of " + req.URL)
	if len(steps) > 0 {
		if n >= len(steps) {
			n = len(steps) - 1
		}
		step = steps[n]
	}
	if step.delay > 0 {
		select {
		case <-time.After(step.delay):
		case <-ctx.Done():
			return crawl.FetchResponse{URL: req.URL}, ctx.Err()
		}
	}
	if step.err != nil {
		return crawl.FetchResponse{URL: req.URL}, step.err
	}
	return crawl.FetchResponse{
		URL:        req.URL,
		StatusCode: step.status,
		Body:       []byte(step.body),
		Duration:   time.Millisecond,
		RetryAfter: step.retryAfter,
	}, nil
}

func (f *scriptedFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *scriptedFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, n := range f.calls {
		sum += n
	}
	return sum
}

func (f *scriptedFetcher) callTimes(url string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.times[url]))
	copy(out, f.times[url])
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	err    error
	topics []string
	msgs   []map[string]any
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	if m, ok := payload.(map[string]any); ok {
		p.msgs = append(p.msgs, m)
	}
	return "msg-1", nil
}

func (p *capturePublisher) published() ([]string, []map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, len(p.topics))
	copy(topics, p.topics)
	msgs := make([]map[string]any, len(p.msgs))
	copy(msgs, p.msgs)
	return topics, msgs
}

// flakyJobStore wraps the memory store and fails UpsertURL on demand,
// simulating a job store outage mid-crawl. Job row writes keep working so
// the degraded state itself can be persisted.
type flakyJobStore struct {
	inner *memory.JobStore

	mu          sync.Mutex
	failUpserts bool
}

func (s *flakyJobStore) setFailUpserts(v bool) {
	s.mu.Lock()
	s.failUpserts = v
	s.mu.Unlock()
}

func (s *flakyJobStore) CreateJob(ctx context.Context, job crawl.Job) error {
	return s.inner.CreateJob(ctx, job)
}

func (s *flakyJobStore) UpdateJob(ctx context.Context, job crawl.Job) error {
	return s.inner.UpdateJob(ctx, job)
}

func (s *flakyJobStore) UpsertURL(ctx context.Context, rec crawl.URLRecord) error {
	s.mu.Lock()
	failing := s.failUpserts
	s.mu.Unlock()
	if failing {
		return errors.New("storage offline")
	}
	return s.inner.UpsertURL(ctx, rec)
}

func (s *flakyJobStore) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	return s.inner.GetJob(ctx, jobID)
}

func (s *flakyJobStore) ListURLs(ctx context.Context, jobID string) ([]crawl.URLRecord, error) {
	return s.inner.ListURLs(ctx, jobID)
}

type captureSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *captureSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) stages() []progress.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]progress.Stage, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harnessConfig struct {
	jobs      crawl.JobStore
	index     dedup.Index
	publisher crawl.Publisher
	events    *progress.Hub
	manager   manager.Config
}

type harness struct {
	jobs    crawl.JobStore
	blobs   *memory.BlobStore
	fetcher *scriptedFetcher
	mgr     *manager.Manager
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	if hc.jobs == nil {
		hc.jobs = memory.NewJobStore()
	}
	blobs := memory.NewBlobStore()
	fetcher := newScriptedFetcher()

	pool := worker.New(fetcher, nil, hashsha256.New(), blobs, system.New(), worker.Config{Size: 4}, zap.NewNop())
	poolCtx, poolCancel := context.WithCancel(context.Background())
	pool.Start(poolCtx)

	mgr, err := manager.New(manager.Deps{
		Jobs:      hc.jobs,
		Pool:      pool,
		Index:     hc.index,
		Publisher: hc.publisher,
		Events:    hc.events,
	}, hc.manager, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		mgr.Close()
		poolCancel()
		pool.Wait()
	})

	return &harness{jobs: hc.jobs, blobs: blobs, fetcher: fetcher, mgr: mgr}
}

func (h *harness) waitStatus(t *testing.T, jobID string, want crawl.JobStatus) manager.Status {
	t.Helper()
	var st manager.Status
	require.Eventually(t, func() bool {
		var err error
		st, err = h.mgr.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		return st.Job.Status == want && !st.Active
	}, 5*time.Second, 5*time.Millisecond, "job %s never settled at %s", jobID, want)
	return st
}

func (h *harness) waitHalted(t *testing.T, jobID string) manager.Status {
	t.Helper()
	var st manager.Status
	require.Eventually(t, func() bool {
		var err error
		st, err = h.mgr.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		return !st.Active && st.Job.Status == crawl.JobStatusRunning && st.Job.ErrorText != ""
	}, 5*time.Second, 5*time.Millisecond, "job %s never halted", jobID)
	return st
}

func mustHash(t *testing.T, body string) string {
	t.Helper()
	fp, err := hashsha256.New().Hash([]byte(body))
	require.NoError(t, err)
	return fp
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	h := newHarness(t, harnessConfig{
		publisher: pub,
		manager:   manager.Config{CompletionTopic: "crawl-completions"},
	})

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs: []string{
			"https://a.test/one",
			"https://b.test/two",
			"https://c.test/three",
		},
		Config: fastConfig(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	st := h.waitStatus(t, jobID, crawl.JobStatusCompleted)
	require.Equal(t, 3, st.Counters.Succeeded)
	require.Equal(t, 0, st.Counters.PermanentlyFailed)
	require.NotNil(t, st.Job.Started)
	require.NotNil(t, st.Job.Finished)
	require.False(t, st.Job.Finished.Before(*st.Job.Started))

	result, err := h.mgr.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusCompleted, result.Status)
	require.Len(t, result.Succeeded, 3)
	require.Empty(t, result.Failed)
	for _, s := range result.Succeeded {
		require.True(t, strings.HasPrefix(s.ArtifactURI, "memory://artifacts/"), "artifact uri %q", s.ArtifactURI)
		require.NotEmpty(t, s.Fingerprint)
	}

	topics, msgs := pub.published()
	require.Equal(t, []string{"crawl-completions"}, topics)
	require.Len(t, msgs, 1)
	require.Equal(t, jobID, msgs[0]["job_id"])
	require.Equal(t, "completed", msgs[0]["status"])
}

func TestSubmitRejectsEmptyURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	_, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{Config: fastConfig()})
	require.ErrorIs(t, err, manager.ErrNoURLs)
}

func TestSubmitDuplicateJobIDRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	req := manager.SubmitRequest{
		JobID:  "fixed-id",
		URLs:   []string{"https://a.test/page"},
		Config: fastConfig(),
	}
	_, err := h.mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = h.mgr.Submit(context.Background(), req)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestSubmitSkipsNormalizedDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs: []string{
			"https://a.test/page",
			"https://a.test/page#section",
			"HTTPS://A.test/page",
		},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	st := h.waitStatus(t, jobID, crawl.JobStatusCompleted)
	require.Equal(t, 1, st.Counters.Succeeded)
	require.Equal(t, 2, st.Counters.Skipped)
	require.Equal(t, 1, h.fetcher.count("https://a.test/page"))

	result, err := h.mgr.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 2, result.Skipped)
	require.Len(t, result.Succeeded, 1)

	records, err := h.jobs.ListURLs(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, crawl.URLStatusSkipped, records[1].Status)
	require.Equal(t, "https://a.test/page", records[1].DuplicateOf)
}

func TestSubmitBlockedDomainsFailWithoutFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		manager: manager.Config{
			Blocklist: crawl.NewBlocklist([]string{"blocked.test", "*.ads.test"}),
		},
	})

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs: []string{
			"https://blocked.test/page",
			"https://banner.ads.test/pixel",
			"https://a.test/fine",
		},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	st := h.waitStatus(t, jobID, crawl.JobStatusPartiallyFailed)
	require.Equal(t, 1, st.Counters.Succeeded)
	require.Equal(t, 2, st.Counters.PermanentlyFailed)
	require.Equal(t, 0, h.fetcher.count("https://blocked.test/page"))
	require.Equal(t, 0, h.fetcher.count("https://banner.ads.test/pixel"))

	result, err := h.mgr.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, result.Failed, 2)
	for _, f := range result.Failed {
		require.Equal(t, crawl.ErrorKindBlockedDomain, f.Kind)
		require.Equal(t, 0, f.Attempts)
	}
}

func TestTransientFailuresRetryUntilSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	url := "https://a.test/flaky"
	h.fetcher.plan(url, statusStep(503), statusStep(503), okStep("finally"))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{url},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	h.waitStatus(t, jobID, crawl.JobStatusCompleted)
	require.Equal(t, 3, h.fetcher.count(url))

	records, err := h.jobs.ListURLs(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.URLStatusSucceeded, records[0].Status)
	require.Equal(t, 3, records[0].Attempts)
	require.Equal(t, crawl.ErrorKindNone, records[0].LastErrorKind)
}

func TestRetryBudgetExhaustionFailsURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	url := "https://a.test/broken"
	h.fetcher.plan(url, statusStep(503))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{url},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	h.waitStatus(t, jobID, crawl.JobStatusFailed)
	require.Equal(t, crawl.DefaultMaxAttempts, h.fetcher.count(url))

	result, err := h.mgr.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	require.Equal(t, crawl.ErrorKindServerError, result.Failed[0].Kind)
	require.Equal(t, crawl.DefaultMaxAttempts, result.Failed[0].Attempts)
}

func TestPermanentFailureNeverRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	url := "https://a.test/missing"
	h.fetcher.plan(url, statusStep(404))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{url},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	h.waitStatus(t, jobID, crawl.JobStatusFailed)
	require.Equal(t, 1, h.fetcher.count(url))

	records, err := h.jobs.ListURLs(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.URLStatusPermanentlyFailed, records[0].Status)
	require.Equal(t, crawl.ErrorKindClientError, records[0].LastErrorKind)
	require.Equal(t, 1, records[0].Attempts)
}

func TestRetryAfterHintDelaysNextAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	url := "https://a.test/throttled"
	h.fetcher.plan(url,
		fetchStep{status: 429, body: "slow down", retryAfter: 40 * time.Millisecond},
		okStep("welcome back"),
	)

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{url},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	h.waitStatus(t, jobID, crawl.JobStatusCompleted)
	require.Equal(t, 2, h.fetcher.count(url))

	times := h.fetcher.callTimes(url)
	require.Len(t, times, 2)
	gap := times[1].Sub(times[0])
	require.GreaterOrEqual(t, gap, 35*time.Millisecond, "second attempt should wait for the Retry-After hint, waited %v", gap)
}

func TestMixedOutcomesDerivePartialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.fetcher.plan("https://d.test/down", statusStep(503))
	h.fetcher.plan("https://e.test/gone", statusStep(404))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs: []string{
			"https://a.test/ok",
			"https://b.test/ok",
			"https://c.test/ok",
			"https://d.test/down",
			"https://e.test/gone",
		},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	st := h.waitStatus(t, jobID, crawl.JobStatusPartiallyFailed)
	require.Equal(t, 3, st.Counters.Succeeded)
	require.Equal(t, 2, st.Counters.PermanentlyFailed)

	result, err := h.mgr.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 3)
	require.Len(t, result.Failed, 2)

	kinds := make(map[string]crawl.ErrorKind, len(result.Failed))
	for _, f := range result.Failed {
		kinds[f.URL] = f.Kind
	}
	require.Equal(t, crawl.ErrorKindServerError, kinds["https://d.test/down"])
	require.Equal(t, crawl.ErrorKindClientError, kinds["https://e.test/gone"])
}

func TestAllFailuresDeriveFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.fetcher.plan("https://a.test/gone", statusStep(404))
	h.fetcher.plan("https://b.test/down", statusStep(500))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/gone", "https://b.test/down"},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	st := h.waitStatus(t, jobID, crawl.JobStatusFailed)
	require.Equal(t, 0, st.Counters.Succeeded)
	require.Equal(t, 2, st.Counters.PermanentlyFailed)
}

func TestContentDuplicatePointsAtCanonical(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.fetcher.plan("https://a.test/original", okStep("identical page"))
	h.fetcher.plan("https://b.test/mirror", okStep("identical page"))

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/original", "https://b.test/mirror"},
		Config: cfg,
	})
	require.NoError(t, err)

	h.waitStatus(t, jobID, crawl.JobStatusCompleted)

	records, err := h.jobs.ListURLs(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, crawl.URLStatusSucceeded, records[0].Status)
	require.Empty(t, records[0].DuplicateOf)
	require.Equal(t, crawl.URLStatusSucceeded, records[1].Status)
	require.Equal(t, "https://a.test/original", records[1].DuplicateOf)
	require.Equal(t, records[0].Fingerprint, records[1].Fingerprint)

	// Content addressing stores one artifact for the shared bytes.
	require.Equal(t, 1, h.blobs.Len())
}

func TestCrossJobIndexMarksDuplicates(t *testing.T) {
	t.Parallel()

	index := dedup.NewMemoryIndex()
	h := newHarness(t, harnessConfig{index: index})
	h.fetcher.plan("https://a.test/first", okStep("shared article"))
	h.fetcher.plan("https://b.test/repost", okStep("shared article"))

	firstID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/first"},
		Config: fastConfig(),
	})
	require.NoError(t, err)
	h.waitStatus(t, firstID, crawl.JobStatusCompleted)

	secondID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://b.test/repost"},
		Config: fastConfig(),
	})
	require.NoError(t, err)
	h.waitStatus(t, secondID, crawl.JobStatusCompleted)

	records, err := h.jobs.ListURLs(context.Background(), secondID)
	require.NoError(t, err)
	require.Equal(t, "https://a.test/first", records[0].DuplicateOf)
}

func TestCancelActiveJobStopsAdmissions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.fetcher.plan("https://a.test/slow", slowStep(150*time.Millisecond))

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs: []string{
			"https://a.test/slow",
			"https://b.test/never",
			"https://c.test/never",
			"https://d.test/never",
		},
		Config: cfg,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.fetcher.total() >= 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, h.mgr.Cancel(context.Background(), jobID))

	st := h.waitStatus(t, jobID, crawl.JobStatusCancelled)
	require.Equal(t, 1, h.fetcher.total(), "no new fetches after cancellation")
	require.Equal(t, 1, st.Counters.Succeeded, "in-flight fetch is recorded")
	require.Equal(t, 3, st.Counters.Queued)

	result, err := h.mgr.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusCancelled, result.Status)
	require.Len(t, result.Succeeded, 1)

	require.ErrorIs(t, h.mgr.Cancel(context.Background(), jobID), manager.ErrJobFinished)
}

func TestCancelInactiveJobWritesCancelled(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	h := newHarness(t, harnessConfig{jobs: store})

	// A job left Running by a crashed process: no coordinator owns it.
	now := time.Now().UTC()
	job := crawl.Job{
		ID:        "orphan-job",
		Status:    crawl.JobStatusRunning,
		Config:    fastConfig().WithDefaults(),
		URLCount:  1,
		Submitted: now,
		Started:   &now,
		ErrorText: "interrupted by shutdown",
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, store.UpsertURL(context.Background(), crawl.URLRecord{
		JobID: "orphan-job", URL: "https://a.test/page", Status: crawl.URLStatusQueued, UpdatedAt: now,
	}))

	require.NoError(t, h.mgr.Cancel(context.Background(), "orphan-job"))

	got, err := store.GetJob(context.Background(), "orphan-job")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusCancelled, got.Status)
	require.NotNil(t, got.Finished)

	require.ErrorIs(t, h.mgr.Cancel(context.Background(), "orphan-job"), manager.ErrJobFinished)
}

func TestCancelMissingJobReturnsNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	require.ErrorIs(t, h.mgr.Cancel(context.Background(), "no-such-job"), storage.ErrNotFound)
}

func TestResultBeforeCompletionRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.fetcher.plan("https://a.test/slow", slowStep(150*time.Millisecond))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/slow"},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	_, err = h.mgr.Result(context.Background(), jobID)
	require.ErrorIs(t, err, manager.ErrJobNotFinished)
}

func TestRecoverResumesInterruptedJob(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	h := newHarness(t, harnessConfig{jobs: store})

	// Snapshot of a job that crashed mid-crawl: one URL done, one stranded
	// in flight, one never admitted.
	now := time.Now().UTC()
	fp := mustHash(t, "replayed body")
	job := crawl.Job{
		ID:        "crashed-job",
		Status:    crawl.JobStatusRunning,
		Config:    fastConfig().WithDefaults(),
		URLCount:  3,
		Submitted: now,
		Started:   &now,
		ErrorText: "persist url record: storage offline",
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, store.UpsertURL(context.Background(), crawl.URLRecord{
		JobID: "crashed-job", URL: "https://a.test/done", Status: crawl.URLStatusSucceeded,
		Attempts: 1, Fingerprint: fp, ArtifactURI: "memory://artifacts/" + fp + ".html", UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertURL(context.Background(), crawl.URLRecord{
		JobID: "crashed-job", URL: "https://b.test/stranded", Status: crawl.URLStatusInFlight,
		Attempts: 1, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertURL(context.Background(), crawl.URLRecord{
		JobID: "crashed-job", URL: "https://c.test/waiting", Status: crawl.URLStatusQueued, UpdatedAt: now,
	}))

	// The waiting URL serves the same bytes the finished URL already
	// fingerprinted, so resume-time replay should mark it a duplicate.
	h.fetcher.plan("https://c.test/waiting", okStep("replayed body"))

	note, err := h.mgr.Recover(context.Background(), "crashed-job")
	require.NoError(t, err)
	require.Contains(t, note, "2 pending")

	st := h.waitStatus(t, "crashed-job", crawl.JobStatusCompleted)
	require.Empty(t, st.Job.ErrorText)
	require.Equal(t, 3, st.Counters.Succeeded)

	require.Equal(t, 0, h.fetcher.count("https://a.test/done"), "already-succeeded url must not be refetched")
	require.Equal(t, 1, h.fetcher.count("https://b.test/stranded"))

	records, err := store.ListURLs(context.Background(), "crashed-job")
	require.NoError(t, err)
	byURL := make(map[string]crawl.URLRecord, len(records))
	for _, rec := range records {
		byURL[rec.URL] = rec
	}
	require.Equal(t, 2, byURL["https://b.test/stranded"].Attempts, "stranded fetch runs as a fresh attempt")
	require.Equal(t, "https://a.test/done", byURL["https://c.test/waiting"].DuplicateOf)
}

func TestRecoverActiveJobRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.fetcher.plan("https://a.test/slow", slowStep(200*time.Millisecond))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/slow"},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	_, err = h.mgr.Recover(context.Background(), jobID)
	require.ErrorIs(t, err, manager.ErrJobActive)
}

func TestRecoverFinishedJobRejected(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	h := newHarness(t, harnessConfig{jobs: store})
	now := time.Now().UTC()

	completed := crawl.Job{
		ID: "done-job", Status: crawl.JobStatusCompleted,
		Config: fastConfig().WithDefaults(), Submitted: now, Started: &now, Finished: &now,
	}
	require.NoError(t, store.CreateJob(context.Background(), completed))
	_, err := h.mgr.Recover(context.Background(), "done-job")
	require.ErrorIs(t, err, manager.ErrJobFinished)

	// Cancelled with nothing left pending is just as final.
	cancelled := crawl.Job{
		ID: "cancelled-job", Status: crawl.JobStatusCancelled,
		Config: fastConfig().WithDefaults(), Submitted: now, Started: &now, Finished: &now,
	}
	require.NoError(t, store.CreateJob(context.Background(), cancelled))
	require.NoError(t, store.UpsertURL(context.Background(), crawl.URLRecord{
		JobID: "cancelled-job", URL: "https://a.test/done", Status: crawl.URLStatusSucceeded, Attempts: 1, UpdatedAt: now,
	}))
	_, err = h.mgr.Recover(context.Background(), "cancelled-job")
	require.ErrorIs(t, err, manager.ErrJobFinished)
}

func TestRecoverCancelledJobWithPendingResumes(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	h := newHarness(t, harnessConfig{jobs: store})
	now := time.Now().UTC()

	job := crawl.Job{
		ID: "cancelled-job", Status: crawl.JobStatusCancelled,
		Config: fastConfig().WithDefaults(), URLCount: 2, Submitted: now, Started: &now, Finished: &now,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, store.UpsertURL(context.Background(), crawl.URLRecord{
		JobID: "cancelled-job", URL: "https://a.test/done", Status: crawl.URLStatusSucceeded, Attempts: 1, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertURL(context.Background(), crawl.URLRecord{
		JobID: "cancelled-job", URL: "https://b.test/pending", Status: crawl.URLStatusQueued, UpdatedAt: now,
	}))

	note, err := h.mgr.Recover(context.Background(), "cancelled-job")
	require.NoError(t, err)
	require.Contains(t, note, "1 pending")

	st := h.waitStatus(t, "cancelled-job", crawl.JobStatusCompleted)
	require.Equal(t, 2, st.Counters.Succeeded)
	require.Equal(t, 1, h.fetcher.count("https://b.test/pending"))
}

func TestPersistFailureHaltsJobForRecovery(t *testing.T) {
	t.Parallel()

	flaky := &flakyJobStore{inner: memory.NewJobStore()}
	h := newHarness(t, harnessConfig{
		jobs:    flaky,
		manager: manager.Config{PersistAttempts: 2, PersistBackoff: time.Millisecond},
	})
	h.fetcher.plan("https://a.test/one", slowStep(60*time.Millisecond))
	h.fetcher.plan("https://b.test/two", slowStep(60*time.Millisecond))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/one", "https://b.test/two"},
		Config: fastConfig(),
	})
	require.NoError(t, err)
	flaky.setFailUpserts(true)

	st := h.waitHalted(t, jobID)
	require.Contains(t, st.Job.ErrorText, "persist url record")

	flaky.setFailUpserts(false)
	_, err = h.mgr.Recover(context.Background(), jobID)
	require.NoError(t, err)

	st = h.waitStatus(t, jobID, crawl.JobStatusCompleted)
	require.Empty(t, st.Job.ErrorText)
	require.Equal(t, 2, st.Counters.Succeeded)
}

func TestAdmissionStarvationHaltsDegraded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})

	// One domain token available and a two second refill: the second URL's
	// predicted wait blows through the admission budget immediately.
	cfg := fastConfig()
	cfg.DomainRatePerSecond = 0.5
	cfg.DomainBurst = 1
	cfg.MaxAdmissionWait = 20 * time.Millisecond

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/one", "https://a.test/two"},
		Config: cfg,
	})
	require.NoError(t, err)

	st := h.waitHalted(t, jobID)
	require.Contains(t, st.Job.ErrorText, "starved of admission")
	require.Equal(t, 1, st.Counters.Succeeded)
	require.Equal(t, 1, st.Counters.Queued, "starved url stays queued for a later recover")
}

func TestPublisherFailureDoesNotBlockCompletion(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{err: errors.New("broker unavailable")}
	h := newHarness(t, harnessConfig{
		publisher: pub,
		manager:   manager.Config{CompletionTopic: "crawl-completions"},
	})

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/page"},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	h.waitStatus(t, jobID, crawl.JobStatusCompleted)
}

func TestCloseLeavesJobsRecoverable(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	h1 := newHarness(t, harnessConfig{jobs: store})
	h1.fetcher.plan("https://a.test/slow", slowStep(100*time.Millisecond))

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	jobID, err := h1.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{"https://a.test/slow", "https://b.test/later"},
		Config: cfg,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h1.fetcher.total() >= 1
	}, 2*time.Second, time.Millisecond)

	h1.mgr.Close()

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusRunning, job.Status)
	require.Equal(t, "interrupted by shutdown", job.ErrorText)

	// A fresh process over the same store picks the job back up.
	h2 := newHarness(t, harnessConfig{jobs: store})
	_, err = h2.mgr.Recover(context.Background(), jobID)
	require.NoError(t, err)

	st := h2.waitStatus(t, jobID, crawl.JobStatusCompleted)
	require.Equal(t, 2, st.Counters.Succeeded)
	require.Equal(t, 1, h2.fetcher.count("https://b.test/later"))
}

func TestProgressEventsEmittedThroughHub(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := progress.NewHub(progress.Config{MaxBatchWait: 5 * time.Millisecond}, sink)
	h := newHarness(t, harnessConfig{events: hub})

	url := "https://a.test/flaky"
	h.fetcher.plan(url, statusStep(503), okStep("eventually"))

	jobID, err := h.mgr.Submit(context.Background(), manager.SubmitRequest{
		URLs:   []string{url},
		Config: fastConfig(),
	})
	require.NoError(t, err)

	h.waitStatus(t, jobID, crawl.JobStatusCompleted)
	require.NoError(t, hub.Close(context.Background()))

	stages := sink.stages()
	require.Contains(t, stages, progress.StageJobStart)
	require.Contains(t, stages, progress.StageRetryScheduled)
	require.Contains(t, stages, progress.StageFetchDone)
	require.Contains(t, stages, progress.StageJobDone)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, evt := range sink.events {
		require.Equal(t, jobID, evt.JobID)
	}
}
