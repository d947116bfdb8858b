// Package retry decides whether and when a failed fetch attempt is retried.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/scrag-io/crawld/internal/crawl"
)

// Config holds the retry budget and backoff shape.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Policy implements exponential backoff with jitter over the error-kind
// decision table: transient kinds retry while budget remains, permanent
// kinds never retry.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
}

// New creates a Policy, guarding nonsensical config values.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = crawl.DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = crawl.DefaultRetryBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = crawl.DefaultRetryMaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = crawl.DefaultRetryMultiplier
	}
	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		multiplier:  cfg.Multiplier,
	}
}

// MaxAttempts returns the configured attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Decide reports whether the attempt that just failed with kind should be
// retried, and after how long. attempts counts attempts made so far,
// including the failed one. retryAfter, when positive, is a server-provided
// hint (429/503 Retry-After) and overrides the computed backoff.
func (p *Policy) Decide(attempts int, kind crawl.ErrorKind, retryAfter time.Duration) (bool, time.Duration) {
	if !kind.Transient() {
		return false, 0
	}
	if attempts >= p.maxAttempts {
		return false, 0
	}
	if retryAfter > 0 {
		return true, retryAfter
	}
	return true, p.backoff(attempts)
}

// backoff computes baseDelay * multiplier^(attempts-1), capped at maxDelay,
// plus jitter in [0, baseDelay) so URLs sharing a domain do not resynchronize.
func (p *Policy) backoff(attempts int) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	delay := float64(p.baseDelay) * math.Pow(p.multiplier, float64(exp))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay) + jitter(p.baseDelay)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
