// Package crawl defines core types shared across subsystems.
package crawl

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending         JobStatus = "pending"
	JobStatusRunning         JobStatus = "running"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusPartiallyFailed JobStatus = "partially_failed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCancelled       JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible for the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartiallyFailed, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// URLStatus represents the state of a single URL within a job.
type URLStatus string

// URL status values persisted per record.
const (
	URLStatusQueued            URLStatus = "queued"
	URLStatusInFlight          URLStatus = "in_flight"
	URLStatusSucceeded         URLStatus = "succeeded"
	URLStatusRetrying          URLStatus = "retrying"
	URLStatusPermanentlyFailed URLStatus = "permanently_failed"
	URLStatusSkipped           URLStatus = "skipped"
)

// Terminal reports whether the record can no longer change state.
func (s URLStatus) Terminal() bool {
	switch s {
	case URLStatusSucceeded, URLStatusPermanentlyFailed, URLStatusSkipped:
		return true
	}
	return false
}

// Config captures the per-job policy knobs: rate ceilings, retry budget,
// concurrency cap, and fetch deadline. Zero values are filled by WithDefaults.
type Config struct {
	DomainRatePerSecond float64       `json:"domain_rate_per_second"`
	DomainBurst         int           `json:"domain_burst"`
	GlobalRatePerSecond float64       `json:"global_rate_per_second"`
	GlobalBurst         int           `json:"global_burst"`
	MaxConcurrent       int           `json:"max_concurrent"`
	MaxAttempts         int           `json:"max_attempts"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay"`
	RetryMaxDelay       time.Duration `json:"retry_max_delay"`
	RetryMultiplier     float64       `json:"retry_multiplier"`
	FetchTimeout        time.Duration `json:"fetch_timeout"`
	MaxAdmissionWait    time.Duration `json:"max_admission_wait"`
	UserAgent           string        `json:"user_agent,omitempty"`
}

// Default policy values applied when a submitted config leaves a field zero.
const (
	DefaultDomainRatePerSecond = 2.0
	DefaultDomainBurst         = 1
	DefaultGlobalRatePerSecond = 10.0
	DefaultGlobalBurst         = 10
	DefaultMaxConcurrent       = 10
	DefaultMaxAttempts         = 3
	DefaultRetryBaseDelay      = 500 * time.Millisecond
	DefaultRetryMaxDelay       = 300 * time.Second
	DefaultRetryMultiplier     = 2.0
	DefaultFetchTimeout        = 10 * time.Second
	DefaultMaxAdmissionWait    = 5 * time.Minute
	DefaultUserAgent           = "crawld/0.1"
)

// WithDefaults returns a copy of the config with zero fields replaced by the
// package defaults.
func (c Config) WithDefaults() Config {
	if c.DomainRatePerSecond <= 0 {
		c.DomainRatePerSecond = DefaultDomainRatePerSecond
	}
	if c.DomainBurst <= 0 {
		c.DomainBurst = DefaultDomainBurst
	}
	if c.GlobalRatePerSecond <= 0 {
		c.GlobalRatePerSecond = DefaultGlobalRatePerSecond
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = DefaultGlobalBurst
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxAdmissionWait <= 0 {
		c.MaxAdmissionWait = DefaultMaxAdmissionWait
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// WithFallback fills unset fields from d (an operator-configured default
// policy), then applies the built-in defaults to whatever both leave open.
func (c Config) WithFallback(d Config) Config {
	if c.DomainRatePerSecond <= 0 {
		c.DomainRatePerSecond = d.DomainRatePerSecond
	}
	if c.DomainBurst <= 0 {
		c.DomainBurst = d.DomainBurst
	}
	if c.GlobalRatePerSecond <= 0 {
		c.GlobalRatePerSecond = d.GlobalRatePerSecond
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = d.GlobalBurst
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = d.RetryMultiplier
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.MaxAdmissionWait <= 0 {
		c.MaxAdmissionWait = d.MaxAdmissionWait
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c.WithDefaults()
}

// Job represents the metadata persisted for each submitted crawl.
type Job struct {
	ID        string     `json:"id"`
	Status    JobStatus  `json:"status"`
	Config    Config     `json:"config"`
	URLCount  int        `json:"url_count"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
}

// URLRecord is the per-URL state tracked across attempts within a job. The
// record is keyed by (JobID, URL) where URL is the normalized form.
type URLRecord struct {
	JobID         string    `json:"job_id"`
	URL           string    `json:"url"`
	OriginalURL   string    `json:"original_url,omitempty"`
	Status        URLStatus `json:"status"`
	Attempts      int       `json:"attempts"`
	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	DuplicateOf   string    `json:"duplicate_of,omitempty"`
	ArtifactURI   string    `json:"artifact_uri,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Counters aggregates record states for one job.
type Counters struct {
	Queued            int `json:"queued"`
	InFlight          int `json:"in_flight"`
	Retrying          int `json:"retrying"`
	Succeeded         int `json:"succeeded"`
	Skipped           int `json:"skipped"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// Pending reports whether any record still awaits a terminal state.
func (c Counters) Pending() bool {
	return c.Queued > 0 || c.InFlight > 0 || c.Retrying > 0
}

// Total returns the number of records counted.
func (c Counters) Total() int {
	return c.Queued + c.InFlight + c.Retrying + c.Succeeded + c.Skipped + c.PermanentlyFailed
}

// CountRecords tallies records by status.
func CountRecords(records []URLRecord) Counters {
	var c Counters
	for _, rec := range records {
		switch rec.Status {
		case URLStatusQueued:
			c.Queued++
		case URLStatusInFlight:
			c.InFlight++
		case URLStatusRetrying:
			c.Retrying++
		case URLStatusSucceeded:
			c.Succeeded++
		case URLStatusSkipped:
			c.Skipped++
		case URLStatusPermanentlyFailed:
			c.PermanentlyFailed++
		}
	}
	return c
}

// DeriveJobStatus maps an aggregate of record states onto the job status:
// Completed when every record succeeded or was skipped, Failed when every
// record failed permanently, PartiallyFailed for a settled mix, and Running
// while any record is still pending.
func DeriveJobStatus(c Counters) JobStatus {
	if c.Pending() {
		return JobStatusRunning
	}
	if c.PermanentlyFailed == 0 {
		return JobStatusCompleted
	}
	if c.Succeeded == 0 && c.Skipped == 0 {
		return JobStatusFailed
	}
	return JobStatusPartiallyFailed
}

// SucceededURL describes one successful fetch inside a CrawlResult.
type SucceededURL struct {
	URL         string `json:"url"`
	ArtifactURI string `json:"artifact_uri,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// FailedURL is the terminal failure record for one URL.
type FailedURL struct {
	URL         string    `json:"url"`
	Kind        ErrorKind `json:"kind"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}

// Result is the immutable snapshot produced when a job finalizes.
type Result struct {
	JobID     string         `json:"job_id"`
	Status    JobStatus      `json:"status"`
	Succeeded []SucceededURL `json:"succeeded"`
	Failed    []FailedURL    `json:"failed"`
	Skipped   int            `json:"skipped"`
	Duration  time.Duration  `json:"duration"`
	Finished  time.Time      `json:"finished_at"`
}

// BuildResult assembles a Result from a finalized job and its records.
func BuildResult(job Job, records []URLRecord) Result {
	res := Result{
		JobID:  job.ID,
		Status: job.Status,
	}
	for _, rec := range records {
		switch rec.Status {
		case URLStatusSucceeded:
			res.Succeeded = append(res.Succeeded, SucceededURL{
				URL:         rec.URL,
				ArtifactURI: rec.ArtifactURI,
				Fingerprint: rec.Fingerprint,
				DuplicateOf: rec.DuplicateOf,
			})
		case URLStatusPermanentlyFailed:
			res.Failed = append(res.Failed, FailedURL{
				URL:         rec.URL,
				Kind:        rec.LastErrorKind,
				Attempts:    rec.Attempts,
				LastAttempt: rec.UpdatedAt,
			})
		case URLStatusSkipped:
			res.Skipped++
		}
	}
	if job.Finished != nil {
		res.Finished = *job.Finished
		if job.Started != nil {
			res.Duration = job.Finished.Sub(*job.Started)
		}
	}
	return res
}

// FetchRequest captures everything needed to fetch a URL once.
type FetchRequest struct {
	JobID     string
	URL       string
	Attempt   int
	Timeout   time.Duration
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the raw result returned by a Fetcher implementation.
// RetryAfter carries a parsed Retry-After hint when the server sent one.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	RetryAfter time.Duration
}
