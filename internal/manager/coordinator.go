package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/dedup"
	"github.com/scrag-io/crawld/internal/metrics"
	"github.com/scrag-io/crawld/internal/policy/ratelimit"
	"github.com/scrag-io/crawld/internal/policy/retry"
	"github.com/scrag-io/crawld/internal/progress"
	"github.com/scrag-io/crawld/internal/worker"
)

// coordinator is the single writer for one job. It owns the job's records,
// queues, and rate-limiter buckets, admits work into the shared pool, and
// applies every outcome. Nothing else mutates job state while the loop runs.
type coordinator struct {
	m     *Manager
	jobID string
	job   crawl.Job
	cfg   crawl.Config

	records map[string]*crawl.URLRecord
	order   []string

	ready    readyQueue
	delayed  delayQueue
	parked   map[string]struct{}
	waited   map[string]time.Duration
	inflight int

	limiter *ratelimit.Limiter
	policy  *retry.Policy
	matcher dedup.Matcher

	results    chan worker.Result
	cancelCh   chan struct{}
	cancelOnce sync.Once

	cancelled  bool
	haltReason string

	logger *zap.Logger
}

func newCoordinator(m *Manager, job crawl.Job, records []crawl.URLRecord) *coordinator {
	cfg := job.Config.WithDefaults()
	c := &coordinator{
		m:       m,
		jobID:   job.ID,
		job:     job,
		cfg:     cfg,
		records: make(map[string]*crawl.URLRecord, len(records)),
		parked:  make(map[string]struct{}),
		waited:  make(map[string]time.Duration),
		limiter: ratelimit.New(ratelimit.Config{
			DomainRate:  cfg.DomainRatePerSecond,
			DomainBurst: cfg.DomainBurst,
			GlobalRate:  cfg.GlobalRatePerSecond,
			GlobalBurst: cfg.GlobalBurst,
		}),
		policy: retry.New(retry.Config{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Multiplier:  cfg.RetryMultiplier,
		}),
		matcher:  dedup.NewExactMatcher(m.deps.Index),
		results:  make(chan worker.Result, cfg.MaxConcurrent),
		cancelCh: make(chan struct{}),
		logger:   m.logger.With(zap.String("job_id", job.ID)),
	}

	now := m.deps.Clock.Now()
	for i := range records {
		rec := records[i]
		c.records[rec.URL] = &records[i]
		c.order = append(c.order, rec.URL)
		switch rec.Status {
		case crawl.URLStatusQueued, crawl.URLStatusInFlight:
			c.ready.PushBack(rec.URL)
		case crawl.URLStatusRetrying:
			if rec.NextRetryAt.After(now) {
				c.delayed.Add(rec.URL, rec.NextRetryAt, true)
			} else {
				c.ready.PushFront(rec.URL)
			}
		}
	}
	return c
}

// requestCancel asks the loop to stop admitting work. Safe to call from any
// goroutine, any number of times.
func (c *coordinator) requestCancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

func (c *coordinator) run(ctx context.Context) {
	defer c.m.finished(c.jobID)

	c.start(ctx)

	cancelSignal := c.cancelCh
	for {
		c.admit(ctx)

		if c.maybeFinish(ctx) {
			return
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait, ok := c.nextWake(); ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			c.exitDegraded("interrupted by shutdown")
			return
		case <-cancelSignal:
			cancelSignal = nil
			c.cancelled = true
			c.logger.Info("cancellation requested")
		case res := <-c.results:
			c.onOutcome(ctx, res)
		case <-timerC:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// start transitions the job to Running and replays succeeded fingerprints
// into the matcher so resumed jobs keep deduplicating against prior work.
func (c *coordinator) start(ctx context.Context) {
	now := c.m.deps.Clock.Now()
	c.job.Status = crawl.JobStatusRunning
	if c.job.Started == nil {
		c.job.Started = &now
	}
	c.job.ErrorText = ""
	if err := c.persistJob(ctx); err != nil {
		c.haltReason = err.Error()
		return
	}

	for _, url := range c.order {
		rec := c.records[url]
		if rec.Status == crawl.URLStatusSucceeded && rec.Fingerprint != "" && rec.DuplicateOf == "" {
			if err := c.matcher.Record(ctx, rec.Fingerprint, rec.URL); err != nil {
				c.logger.Warn("fingerprint replay failed", zap.String("url", rec.URL), zap.Error(err))
			}
		}
	}

	c.emit(progress.Event{Stage: progress.StageJobStart})
	c.logger.Info("job started", zap.Int("urls", len(c.order)))
}

// admit releases due delayed entries, then moves ready records into flight
// while concurrency and rate budgets allow. A rate-limited record is
// re-scheduled for later admission; the next record gets its turn.
func (c *coordinator) admit(ctx context.Context) {
	now := c.m.deps.Clock.Now()
	for _, entry := range c.delayed.ReleaseDue(now) {
		if entry.front {
			c.ready.PushFront(entry.url)
		} else {
			c.ready.PushBack(entry.url)
		}
	}

	if c.cancelled || c.haltReason != "" {
		return
	}

	for c.inflight < c.cfg.MaxConcurrent && c.ready.Len() > 0 {
		url := c.ready.Pop()
		rec := c.records[url]
		if rec == nil || rec.Status.Terminal() {
			continue
		}
		domain := crawl.Domain(url)

		granted, wait := c.limiter.Acquire(now, domain)
		if !granted {
			c.deferAdmission(url, rec, now, wait)
			continue
		}
		delete(c.waited, url)

		prev := rec.Status
		rec.Status = crawl.URLStatusInFlight
		rec.NextRetryAt = time.Time{}
		rec.UpdatedAt = now
		c.persistRecord(ctx, rec)
		if c.haltReason != "" {
			rec.Status = prev
			return
		}

		c.inflight++
		task := worker.Task{
			JobID:   c.jobID,
			URL:     url,
			Domain:  domain,
			Attempt: rec.Attempts + 1,
			Config:  c.cfg,
			Results: c.results,
		}
		if err := c.m.deps.Pool.Submit(ctx, task); err != nil {
			c.inflight--
			rec.Status = prev
			c.ready.PushFront(url)
			c.haltReason = fmt.Sprintf("submit fetch task: %v", err)
			return
		}
	}
}

// deferAdmission re-schedules a rate-limited record, parking it once its
// accumulated admission wait exceeds the configured maximum.
func (c *coordinator) deferAdmission(url string, rec *crawl.URLRecord, now time.Time, wait time.Duration) {
	total := c.waited[url] + wait
	c.waited[url] = total
	if c.cfg.MaxAdmissionWait > 0 && total >= c.cfg.MaxAdmissionWait {
		c.parked[url] = struct{}{}
		delete(c.waited, url)
		c.logger.Warn("url admission starved",
			zap.String("url", url),
			zap.Duration("waited", total),
		)
		return
	}
	c.delayed.Add(url, now.Add(wait), rec.Status == crawl.URLStatusRetrying)
}

// onOutcome applies one worker result: success (with content dedup), retry
// scheduling, or permanent failure. The record is persisted afterwards.
func (c *coordinator) onOutcome(ctx context.Context, res worker.Result) {
	c.inflight--
	rec := c.records[res.URL]
	if rec == nil {
		return
	}
	now := c.m.deps.Clock.Now()
	rec.Attempts++
	rec.UpdatedAt = now
	domain := crawl.Domain(res.URL)

	switch res.Outcome.Class {
	case crawl.OutcomeSuccess:
		c.recordSuccess(ctx, rec, res)
	case crawl.OutcomePermanent:
		rec.Status = crawl.URLStatusPermanentlyFailed
		rec.LastErrorKind = res.Outcome.Kind
		rec.NextRetryAt = time.Time{}
	default:
		rec.LastErrorKind = res.Outcome.Kind
		retryOK, delay := c.policy.Decide(rec.Attempts, res.Outcome.Kind, res.Outcome.RetryAfter)
		if retryOK {
			rec.Status = crawl.URLStatusRetrying
			rec.NextRetryAt = now.Add(delay)
			if !c.cancelled {
				c.delayed.Add(res.URL, rec.NextRetryAt, true)
				metrics.ObserveRetryScheduled(domain, string(res.Outcome.Kind))
				c.emit(progress.Event{
					Stage:   progress.StageRetryScheduled,
					Domain:  domain,
					URL:     res.URL,
					Kind:    string(res.Outcome.Kind),
					Attempt: rec.Attempts,
					Dur:     delay,
				})
			}
		} else {
			rec.Status = crawl.URLStatusPermanentlyFailed
			rec.NextRetryAt = time.Time{}
		}
	}

	c.persistRecord(ctx, rec)

	c.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Domain:      domain,
		URL:         res.URL,
		Outcome:     string(res.Outcome.Class),
		Kind:        string(res.Outcome.Kind),
		Attempt:     rec.Attempts,
		Bytes:       int64(res.Bytes),
		StatusClass: progress.ClassifyStatus(res.Outcome.StatusCode),
		Dur:         res.Duration,
	})
}

// recordSuccess marks the record Succeeded and consults the matcher: a
// fingerprint seen before points this record at the canonical URL instead of
// claiming the artifact again.
func (c *coordinator) recordSuccess(ctx context.Context, rec *crawl.URLRecord, res worker.Result) {
	rec.Status = crawl.URLStatusSucceeded
	rec.LastErrorKind = crawl.ErrorKindNone
	rec.NextRetryAt = time.Time{}
	rec.Fingerprint = res.Fingerprint
	rec.ArtifactURI = res.ArtifactURI

	if res.Fingerprint == "" {
		return
	}
	canonical, found, err := c.matcher.Match(ctx, res.Fingerprint)
	if err != nil {
		c.logger.Warn("fingerprint match failed", zap.String("url", rec.URL), zap.Error(err))
		return
	}
	if found && canonical != rec.URL {
		rec.DuplicateOf = canonical
		metrics.ObserveDedupHit("content")
		return
	}
	if !found {
		if err := c.matcher.Record(ctx, res.Fingerprint, rec.URL); err != nil {
			c.logger.Warn("fingerprint record failed", zap.String("url", rec.URL), zap.Error(err))
		}
	}
}

// maybeFinish ends the loop once nothing is in flight and either the job was
// cancelled, admissions halted, or all records settled.
func (c *coordinator) maybeFinish(ctx context.Context) bool {
	if c.inflight > 0 {
		return false
	}
	switch {
	case c.cancelled:
		c.finalize(ctx, crawl.JobStatusCancelled)
		return true
	case c.haltReason != "":
		c.exitDegraded(c.haltReason)
		return true
	case c.ready.Len() == 0 && c.delayed.Len() == 0:
		if len(c.parked) > 0 {
			c.exitDegraded(fmt.Sprintf("%d urls starved of admission beyond max wait", len(c.parked)))
			return true
		}
		c.finalize(ctx, crawl.DeriveJobStatus(crawl.CountRecords(c.snapshotRecords())))
		return true
	}
	return false
}

func (c *coordinator) nextWake() (time.Duration, bool) {
	at, ok := c.delayed.NextAt()
	if !ok {
		return 0, false
	}
	wait := at.Sub(c.m.deps.Clock.Now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, true
}

// finalize writes the terminal job state, publishes the completion event,
// and emits the closing progress event.
func (c *coordinator) finalize(ctx context.Context, status crawl.JobStatus) {
	now := c.m.deps.Clock.Now()
	c.job.Status = status
	c.job.Finished = &now
	c.job.ErrorText = ""
	if err := c.persistJob(ctx); err != nil {
		c.logger.Error("final job update failed", zap.Error(err))
	}
	metrics.ObserveJobFinalized(string(status))

	result := crawl.BuildResult(c.job, c.snapshotRecords())
	c.publishCompletion(ctx, result)

	var dur time.Duration
	if c.job.Started != nil {
		dur = now.Sub(*c.job.Started)
	}
	c.emit(progress.Event{Stage: progress.StageJobDone, Note: string(status), Dur: dur})
	c.logger.Info("job finalized",
		zap.String("status", string(status)),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", dur),
	)
}

// exitDegraded leaves the job Running with an error note so a later Recover
// can resume it. Used for persistence failures, admission starvation, and
// shutdown interrupts.
func (c *coordinator) exitDegraded(reason string) {
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.job.Status = crawl.JobStatusRunning
	c.job.ErrorText = reason
	if err := c.persistJob(wctx); err != nil {
		c.logger.Error("degraded job update failed", zap.Error(err))
	}
	c.emit(progress.Event{Stage: progress.StageJobHalted, Note: reason})
	c.logger.Warn("job halted before completion", zap.String("reason", reason))
}

func (c *coordinator) publishCompletion(ctx context.Context, result crawl.Result) {
	if c.m.deps.Publisher == nil || c.m.cfg.CompletionTopic == "" {
		return
	}
	payload := map[string]any{
		"job_id":      result.JobID,
		"status":      string(result.Status),
		"succeeded":   len(result.Succeeded),
		"failed":      len(result.Failed),
		"skipped":     result.Skipped,
		"duration_ms": result.Duration.Milliseconds(),
		"finished_at": result.Finished.UTC().Format(time.RFC3339),
	}
	if _, err := c.m.deps.Publisher.Publish(ctx, c.m.cfg.CompletionTopic, payload); err != nil {
		c.logger.Warn("completion publish failed", zap.Error(err))
	}
}

// persistRecord writes one record with short-backoff retries. A write that
// keeps failing halts further admissions; in-flight fetches still drain.
func (c *coordinator) persistRecord(ctx context.Context, rec *crawl.URLRecord) {
	err := c.persist(ctx, func() error {
		return c.m.deps.Jobs.UpsertURL(ctx, *rec)
	})
	if err != nil && c.haltReason == "" {
		c.haltReason = fmt.Sprintf("persist url record: %v", err)
		c.logger.Error("halting admissions after persistence failure",
			zap.String("url", rec.URL),
			zap.Error(err),
		)
	}
}

func (c *coordinator) persistJob(ctx context.Context) error {
	err := c.persist(ctx, func() error {
		return c.m.deps.Jobs.UpdateJob(ctx, c.job)
	})
	if err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}

func (c *coordinator) persist(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.m.cfg.PersistAttempts; attempt++ {
		if attempt > 0 {
			metrics.ObservePersistRetry()
			select {
			case <-time.After(c.m.cfg.PersistBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

func (c *coordinator) snapshotRecords() []crawl.URLRecord {
	records := make([]crawl.URLRecord, 0, len(c.order))
	for _, url := range c.order {
		records = append(records, *c.records[url])
	}
	return records
}

func (c *coordinator) emit(evt progress.Event) {
	if c.m.deps.Events == nil {
		return
	}
	evt.JobID = c.jobID
	evt.TS = c.m.deps.Clock.Now().UTC()
	c.m.deps.Events.Emit(evt)
}
