package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart       Stage = "JOB_START"
	StageJobDone        Stage = "JOB_DONE"
	StageJobHalted      Stage = "JOB_HALTED"
	StageFetchDone      Stage = "FETCH_DONE"
	StageRetryScheduled Stage = "RETRY_SCHEDULED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of crawl progress.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Domain optionally scopes fetch events to a host label.
	Domain string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Outcome is the classified fetch result (success, transient, permanent).
	Outcome string
	// Kind carries the error kind for failed fetches and scheduled retries.
	Kind string
	// Attempt is the 1-based attempt number for fetch events.
	Attempt int
	// Bytes carries the response size for a fetch.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures execution latency for fetches and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (final status, error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobHalted:
	case StageFetchDone:
		if e.Domain == "" {
			return errors.New("fetch done requires domain")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	case StageRetryScheduled:
		if e.Kind == "" {
			return errors.New("retry requires error kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
