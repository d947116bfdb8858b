// Package worker implements the fixed-size pool that executes fetch attempts.
//
// Workers do not decide admission or retries. The per-job coordinator owns
// those policies; a worker only fetches, fingerprints, stores the artifact,
// and reports the classified outcome on the channel the coordinator supplied
// with the task.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/metrics"
)

// Config controls pool behavior.
type Config struct {
	Size        int
	QueueDepth  int
	ContentType string
	BlobPrefix  string
}

// Task is one fetch attempt dispatched to the pool.
type Task struct {
	JobID   string
	URL     string
	Domain  string
	Attempt int
	Config  crawl.Config
	Results chan<- Result
}

// Result reports one finished attempt back to the coordinator that
// submitted the task.
type Result struct {
	JobID       string
	URL         string
	Attempt     int
	Outcome     crawl.Outcome
	Fingerprint string
	ArtifactURI string
	Bytes       int
	Duration    time.Duration
	FetchErr    error
}

// Pool runs a fixed number of workers over a shared task channel.
type Pool struct {
	tasks     chan Task
	fetcher   crawl.Fetcher
	processor crawl.Processor
	hasher    crawl.Hasher
	blobs     crawl.BlobStore
	clock     crawl.Clock
	cfg       Config
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// New constructs a Pool. The processor may be nil, in which case fingerprints
// fall back to a hash of the raw body.
func New(
	fetcher crawl.Fetcher,
	processor crawl.Processor,
	hasher crawl.Hasher,
	blobs crawl.BlobStore,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = crawl.DefaultMaxConcurrent
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Size
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "artifacts"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		tasks:     make(chan Task, cfg.QueueDepth),
		fetcher:   fetcher,
		processor: processor,
		hasher:    hasher,
		blobs:     blobs,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start launches the workers. They exit when ctx finishes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size reports the number of workers in the pool.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Submit hands a task to the pool, blocking only until a queue slot frees
// or ctx finishes.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			p.handle(ctx, task)
		}
	}
}

func (p *Pool) handle(ctx context.Context, task Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	res := p.execute(ctx, task)

	select {
	case task.Results <- res:
	case <-ctx.Done():
	}
}

func (p *Pool) execute(ctx context.Context, task Task) Result {
	res := Result{JobID: task.JobID, URL: task.URL, Attempt: task.Attempt}

	timeout := task.Config.FetchTimeout
	if timeout <= 0 {
		timeout = crawl.DefaultFetchTimeout
	}
	start := p.clock.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.fetcher.Fetch(fetchCtx, crawl.FetchRequest{
		JobID:     task.JobID,
		URL:       task.URL,
		Attempt:   task.Attempt,
		Timeout:   timeout,
		UserAgent: task.Config.UserAgent,
	})
	res.Duration = resp.Duration
	if res.Duration <= 0 {
		res.Duration = p.clock.Now().Sub(start)
	}
	res.Bytes = len(resp.Body)
	res.Outcome = crawl.Classify(resp, err)
	res.FetchErr = err
	metrics.ObserveFetch(task.Domain, string(res.Outcome.Class), res.Bytes, res.Duration)

	if res.Outcome.Class != crawl.OutcomeSuccess {
		if err != nil {
			p.logger.Debug("fetch attempt failed",
				zap.String("job_id", task.JobID),
				zap.String("url", task.URL),
				zap.Int("attempt", task.Attempt),
				zap.Error(err),
			)
		}
		return res
	}

	body, fingerprint, err := p.fingerprint(ctx, task, resp.Body)
	if err != nil {
		return p.failInfra(res, err)
	}
	res.Fingerprint = fingerprint

	uri, err := p.blobs.PutObject(ctx, p.buildBlobPath(fingerprint), p.contentType(resp), body)
	if err != nil {
		return p.failInfra(res, fmt.Errorf("store artifact: %w", err))
	}
	res.ArtifactURI = uri
	return res
}

// fingerprint derives the dedup fingerprint and returns the bytes it
// addresses, so the stored artifact always matches its content path.
func (p *Pool) fingerprint(ctx context.Context, task Task, raw []byte) ([]byte, string, error) {
	body := raw
	if p.processor != nil {
		cleaned, fp, err := p.processor.Process(ctx, raw)
		switch {
		case err != nil:
			// A broken processor must not fail the attempt; fall back to
			// fingerprinting the raw payload.
			p.logger.Warn("content processor failed",
				zap.String("job_id", task.JobID),
				zap.String("url", task.URL),
				zap.Error(err),
			)
		case fp != "":
			return cleaned, fp, nil
		default:
			body = cleaned
		}
	}
	fp, err := p.hasher.Hash(body)
	if err != nil {
		return nil, "", fmt.Errorf("hash content: %w", err)
	}
	return body, fp, nil
}

// failInfra downgrades a fetched-but-unpersisted attempt to a transient
// outcome so the coordinator schedules a fresh fetch.
func (p *Pool) failInfra(res Result, err error) Result {
	res.Outcome = crawl.Outcome{
		Class:      crawl.OutcomeTransient,
		Kind:       crawl.ErrorKindConnection,
		StatusCode: res.Outcome.StatusCode,
	}
	res.Fingerprint = ""
	res.FetchErr = err
	p.logger.Warn("attempt pipeline failed after fetch",
		zap.String("job_id", res.JobID),
		zap.String("url", res.URL),
		zap.Error(err),
	)
	return res
}

func (p *Pool) buildBlobPath(fingerprint string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s.html", fingerprint)
	}
	return fmt.Sprintf("%s/%s.html", prefix, fingerprint)
}

func (p *Pool) contentType(resp crawl.FetchResponse) string {
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	return p.cfg.ContentType
}
