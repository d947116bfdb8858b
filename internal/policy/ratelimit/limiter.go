// Package ratelimit implements the two-level token bucket admission gate:
// one bucket per domain plus a global bucket bounding aggregate throughput.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrag-io/crawld/internal/metrics"
)

// Config holds bucket parameters. Domains are provisioned lazily with the
// domain values on first use.
type Config struct {
	DomainRate  float64
	DomainBurst int
	GlobalRate  float64
	GlobalBurst int
}

// Limiter gates fetch admissions. A permit requires a token from both the
// domain bucket and the global bucket; a denial consumes nothing.
type Limiter struct {
	mu          sync.Mutex
	global      *rate.Limiter
	domains     map[string]*rate.Limiter
	domainRate  rate.Limit
	domainBurst int
}

// New creates a Limiter. Non-positive rates fall back to unlimited so a
// zero config never deadlocks admission.
func New(cfg Config) *Limiter {
	domainRate := rate.Limit(cfg.DomainRate)
	if cfg.DomainRate <= 0 {
		domainRate = rate.Inf
	}
	domainBurst := cfg.DomainBurst
	if domainBurst <= 0 {
		domainBurst = 1
	}
	globalRate := rate.Limit(cfg.GlobalRate)
	if cfg.GlobalRate <= 0 {
		globalRate = rate.Inf
	}
	globalBurst := cfg.GlobalBurst
	if globalBurst <= 0 {
		globalBurst = 1
	}
	return &Limiter{
		global:      rate.NewLimiter(globalRate, globalBurst),
		domains:     make(map[string]*rate.Limiter),
		domainRate:  domainRate,
		domainBurst: domainBurst,
	}
}

// Acquire reports whether a fetch to domain may start at now. On a grant one
// token is consumed from each bucket. On a denial no tokens are consumed and
// the returned duration is the longer of the two buckets' required waits;
// callers re-attempt admission after it elapses instead of blocking.
func (l *Limiter) Acquire(now time.Time, domain string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	domainRes := l.limiterLocked(domain).ReserveN(now, 1)
	globalRes := l.global.ReserveN(now, 1)

	domainWait := domainRes.DelayFrom(now)
	globalWait := globalRes.DelayFrom(now)
	if domainWait == 0 && globalWait == 0 {
		return true, 0
	}

	// Give both tokens back; admission retries later.
	domainRes.CancelAt(now)
	globalRes.CancelAt(now)

	wait := domainWait
	if globalWait > wait {
		wait = globalWait
	}
	metrics.ObserveRateLimitWait(domain, wait)
	return false, wait
}

func (l *Limiter) limiterLocked(domain string) *rate.Limiter {
	limiter, ok := l.domains[domain]
	if !ok {
		limiter = rate.NewLimiter(l.domainRate, l.domainBurst)
		l.domains[domain] = limiter
	}
	return limiter
}

// Domains returns the number of provisioned domain buckets.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.domains)
}
