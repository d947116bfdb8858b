// Package manager owns the lifecycle of crawl jobs. Submit admits URLs,
// persists the initial record set, and hands the job to a coordinator
// goroutine; Status, Result, Cancel, and Recover are the control surface the
// API exposes. One manager shares a single worker pool across every active
// job.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrag-io/crawld/internal/clock/system"
	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/dedup"
	"github.com/scrag-io/crawld/internal/id/uuid"
	"github.com/scrag-io/crawld/internal/metrics"
	"github.com/scrag-io/crawld/internal/progress"
	"github.com/scrag-io/crawld/internal/worker"
)

// Sentinel errors returned by the manager's control operations.
var (
	ErrNoURLs         = errors.New("no urls submitted")
	ErrJobActive      = errors.New("job already active")
	ErrJobFinished    = errors.New("job already finished")
	ErrJobNotFinished = errors.New("job not finished")
)

const (
	defaultPersistAttempts = 3
	defaultPersistBackoff  = 100 * time.Millisecond
)

// Pool dispatches fetch tasks onto shared workers.
type Pool interface {
	Submit(ctx context.Context, task worker.Task) error
}

// Deps bundles the collaborators a Manager needs. Jobs and Pool are
// required; the rest degrade gracefully when nil (no cross-job dedup, no
// completion events, no progress stream).
type Deps struct {
	Jobs      crawl.JobStore
	Pool      Pool
	Index     dedup.Index
	Publisher crawl.Publisher
	Events    *progress.Hub
	Clock     crawl.Clock
	IDs       crawl.IDGenerator
}

// Config holds manager-level settings, as opposed to the per-job policy in
// crawl.Config.
type Config struct {
	// CompletionTopic is the Pub/Sub topic completion events are published
	// to. Empty disables publishing.
	CompletionTopic string

	// PersistAttempts and PersistBackoff bound the short retry loop around
	// job store writes before a job halts admissions.
	PersistAttempts int
	PersistBackoff  time.Duration

	// JobDefaults is the operator-configured policy applied to submission
	// fields left unset. Fields it also leaves unset fall back to the
	// built-in defaults.
	JobDefaults crawl.Config

	// Blocklist rejects submitted URLs by domain. Matching URLs are settled
	// as permanently failed at admission, before any fetch. Nil blocks
	// nothing.
	Blocklist *crawl.Blocklist
}

// Manager tracks active job coordinators and serves the job control API.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. deps.Jobs and deps.Pool must be set; Clock, IDs,
// and logger fall back to real implementations when nil.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Manager, error) {
	if deps.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = defaultPersistAttempts
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = defaultPersistBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*coordinator),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SubmitRequest is one crawl job submission. JobID is optional; when set,
// resubmitting an existing ID fails with the store's already-exists error
// instead of creating a second job.
type SubmitRequest struct {
	JobID  string
	URLs   []string
	Config crawl.Config
}

// Submit validates and admits the URL set, persists the job and its records,
// and starts the job's coordinator. It returns the job ID once the job is
// durably created; the crawl itself proceeds in the background.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.URLs) == 0 {
		return "", ErrNoURLs
	}

	jobID := req.JobID
	if jobID == "" {
		var err error
		if jobID, err = m.deps.IDs.NewID(); err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
	}

	now := m.deps.Clock.Now()
	records := dedup.AdmitURLs(jobID, req.URLs, now)
	blocked := 0
	for i, rec := range records {
		if rec.Status == crawl.URLStatusSkipped {
			metrics.ObserveDedupHit("url")
		}
		if rec.Status == crawl.URLStatusQueued && m.cfg.Blocklist.Blocked(crawl.Domain(rec.URL)) {
			records[i].Status = crawl.URLStatusPermanentlyFailed
			records[i].LastErrorKind = crawl.ErrorKindBlockedDomain
			blocked++
		}
	}

	job := crawl.Job{
		ID:        jobID,
		Status:    crawl.JobStatusPending,
		Config:    req.Config.WithFallback(m.cfg.JobDefaults),
		URLCount:  len(records),
		Submitted: now,
	}
	if err := m.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	for _, rec := range records {
		if err := m.deps.Jobs.UpsertURL(ctx, rec); err != nil {
			return "", fmt.Errorf("persist url record: %w", err)
		}
	}

	if err := m.register(job, records); err != nil {
		return "", err
	}
	m.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.Int("urls", len(req.URLs)),
		zap.Int("admitted", len(records)),
		zap.Int("blocked", blocked),
	)
	return jobID, nil
}

// register installs a coordinator for the job and starts its loop. The
// coordinator removes itself via finished when the loop returns.
func (m *Manager) register(job crawl.Job, records []crawl.URLRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("manager closed: %w", err)
	}
	if _, ok := m.active[job.ID]; ok {
		return ErrJobActive
	}

	c := newCoordinator(m, job, records)
	m.active[job.ID] = c
	m.wg.Add(1)
	go c.run(m.ctx)
	return nil
}

func (m *Manager) finished(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
	m.wg.Done()
}

// Status is the live view of one job: its stored row, the per-status record
// tally, and whether a coordinator is currently driving it.
type Status struct {
	Job      crawl.Job
	Counters crawl.Counters
	Active   bool
}

// Status reports the current state of a job from the store.
func (m *Manager) Status(ctx context.Context, jobID string) (Status, error) {
	job, err := m.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return Status{}, fmt.Errorf("get job: %w", err)
	}
	records, err := m.deps.Jobs.ListURLs(ctx, jobID)
	if err != nil {
		return Status{}, fmt.Errorf("list urls: %w", err)
	}
	return Status{
		Job:      job,
		Counters: crawl.CountRecords(records),
		Active:   m.isActive(jobID),
	}, nil
}

// Result returns the final outcome of a finished job. A job that is still
// running (or halted short of a terminal status) yields ErrJobNotFinished.
func (m *Manager) Result(ctx context.Context, jobID string) (crawl.Result, error) {
	job, err := m.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawl.Result{}, fmt.Errorf("get job: %w", err)
	}
	if !job.Status.Terminal() {
		return crawl.Result{}, ErrJobNotFinished
	}
	records, err := m.deps.Jobs.ListURLs(ctx, jobID)
	if err != nil {
		return crawl.Result{}, fmt.Errorf("list urls: %w", err)
	}
	return crawl.BuildResult(job, records), nil
}

// Cancel stops a job. An active job stops admitting new fetches and
// finalizes as Cancelled once in-flight work drains; an inactive non-terminal
// job (for example one halted by a crash) is cancelled directly in the store.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	c, ok := m.active[jobID]
	m.mu.Unlock()
	if ok {
		c.requestCancel()
		return nil
	}

	job, err := m.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Status.Terminal() {
		return ErrJobFinished
	}

	now := m.deps.Clock.Now()
	job.Status = crawl.JobStatusCancelled
	job.Finished = &now
	if err := m.deps.Jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	metrics.ObserveJobFinalized(string(crawl.JobStatusCancelled))
	m.logger.Info("inactive job cancelled", zap.String("job_id", jobID))
	return nil
}

// Recover resumes a job whose coordinator is gone: after a crash, a
// persistence halt, or a shutdown interrupt. Records stranded InFlight are
// reset to Queued before the new coordinator starts, so interrupted fetches
// run again rather than being lost. A Cancelled job is recoverable only
// while records remain pending. Returns a short note describing what was
// resumed.
func (m *Manager) Recover(ctx context.Context, jobID string) (string, error) {
	if m.isActive(jobID) {
		return "", ErrJobActive
	}

	job, err := m.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("get job: %w", err)
	}
	records, err := m.deps.Jobs.ListURLs(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("list urls: %w", err)
	}
	counters := crawl.CountRecords(records)

	if job.Status.Terminal() {
		if job.Status != crawl.JobStatusCancelled || !counters.Pending() {
			return "", ErrJobFinished
		}
		// A cancelled job with pending records goes back to work.
		job.Finished = nil
	}

	now := m.deps.Clock.Now()
	for i := range records {
		if records[i].Status != crawl.URLStatusInFlight {
			continue
		}
		records[i].Status = crawl.URLStatusQueued
		records[i].UpdatedAt = now
		if err := m.deps.Jobs.UpsertURL(ctx, records[i]); err != nil {
			return "", fmt.Errorf("reset in-flight record: %w", err)
		}
	}

	if err := m.register(job, records); err != nil {
		return "", err
	}
	pending := counters.Queued + counters.InFlight + counters.Retrying
	note := fmt.Sprintf("resumed with %d pending records", pending)
	m.logger.Info("job recovered",
		zap.String("job_id", jobID),
		zap.Int("pending", pending),
	)
	return note, nil
}

func (m *Manager) isActive(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[jobID]
	return ok
}

// ActiveJobs lists the IDs of jobs currently driven by a coordinator.
func (m *Manager) ActiveJobs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops all coordinators and waits for them to drain. Interrupted jobs
// are left Running with an error note and can be resumed with Recover.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
