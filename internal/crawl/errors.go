package crawl

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

// ErrorKind labels the failure cause recorded against a URL attempt.
type ErrorKind string

// Error kinds persisted on URL records. Transient kinds are eligible for
// retry; permanent kinds are not.
const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindConnection       ErrorKind = "connection"
	ErrorKindServerError      ErrorKind = "server_error"
	ErrorKindThrottled        ErrorKind = "throttled"
	ErrorKindClientError      ErrorKind = "client_error"
	ErrorKindMalformedURL     ErrorKind = "malformed_url"
	ErrorKindRobotsDisallowed ErrorKind = "robots_disallowed"
	ErrorKindBlockedDomain    ErrorKind = "blocked_domain"
)

// Transient reports whether failures of this kind may be retried.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindConnection, ErrorKindServerError, ErrorKindThrottled:
		return true
	}
	return false
}

// Permanent reports whether failures of this kind must never be retried.
func (k ErrorKind) Permanent() bool {
	switch k {
	case ErrorKindClientError, ErrorKindMalformedURL, ErrorKindRobotsDisallowed, ErrorKindBlockedDomain:
		return true
	}
	return false
}

// Sentinel errors a Fetcher wraps so classification stays transport-agnostic.
var (
	ErrRobotsDisallowed = errors.New("fetch disallowed by robots.txt")
	ErrMalformedURL     = errors.New("malformed url")
)

// OutcomeClass is the three-way result of classifying a fetch attempt.
type OutcomeClass string

// Outcome classes.
const (
	OutcomeSuccess   OutcomeClass = "success"
	OutcomeTransient OutcomeClass = "transient"
	OutcomePermanent OutcomeClass = "permanent"
)

// Outcome is the classified result of one fetch attempt.
type Outcome struct {
	Class      OutcomeClass
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
}

// Classify maps a raw fetch response and error onto exactly one outcome.
// Timeouts, connection failures, 5xx and 429 classify transient; malformed
// URLs, robots refusals and remaining 4xx classify permanent.
func Classify(resp FetchResponse, err error) Outcome {
	if err != nil {
		return Outcome{Class: classFor(kindForError(err)), Kind: kindForError(err), StatusCode: resp.StatusCode, RetryAfter: resp.RetryAfter}
	}
	kind := kindForStatus(resp.StatusCode)
	if kind == ErrorKindNone {
		return Outcome{Class: OutcomeSuccess, StatusCode: resp.StatusCode}
	}
	return Outcome{Class: classFor(kind), Kind: kind, StatusCode: resp.StatusCode, RetryAfter: resp.RetryAfter}
}

func classFor(kind ErrorKind) OutcomeClass {
	if kind.Permanent() {
		return OutcomePermanent
	}
	return OutcomeTransient
}

func kindForError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrRobotsDisallowed):
		return ErrorKindRobotsDisallowed
	case errors.Is(err, ErrMalformedURL):
		return ErrorKindMalformedURL
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	return ErrorKindConnection
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ErrorKindNone
	case status == 429:
		return ErrorKindThrottled
	case status >= 500:
		return ErrorKindServerError
	default:
		return ErrorKindClientError
	}
}
