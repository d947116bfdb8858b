package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireGrantsWhenTokensAvailable(t *testing.T) {
	t.Parallel()

	l := New(Config{DomainRate: 1, DomainBurst: 1, GlobalRate: 100, GlobalBurst: 100})
	now := time.Unix(1000, 0)

	ok, wait := l.Acquire(now, "a.test")
	require.True(t, ok)
	require.Zero(t, wait)
}

func TestAcquireDeniesWithRefillWait(t *testing.T) {
	t.Parallel()

	l := New(Config{DomainRate: 1, DomainBurst: 1, GlobalRate: 100, GlobalBurst: 100})
	now := time.Unix(1000, 0)

	ok, _ := l.Acquire(now, "a.test")
	require.True(t, ok)

	ok, wait := l.Acquire(now, "a.test")
	require.False(t, ok)
	require.InDelta(t, 1.0, wait.Seconds(), 0.01)

	// Once the advertised wait elapses the permit is granted.
	ok, wait = l.Acquire(now.Add(wait), "a.test")
	require.True(t, ok)
	require.Zero(t, wait)
}

func TestAcquireDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DomainRate: 1, DomainBurst: 1, GlobalRate: 100, GlobalBurst: 100})
	now := time.Unix(1000, 0)

	ok, _ := l.Acquire(now, "a.test")
	require.True(t, ok)
	ok, _ = l.Acquire(now, "a.test")
	require.False(t, ok)

	ok, wait := l.Acquire(now, "b.test")
	require.True(t, ok, "other domains keep their own bucket")
	require.Zero(t, wait)
	require.Equal(t, 2, l.Domains())
}

func TestAcquireGlobalBucketBoundsAllDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DomainRate: 100, DomainBurst: 100, GlobalRate: 1, GlobalBurst: 1})
	now := time.Unix(1000, 0)

	ok, _ := l.Acquire(now, "a.test")
	require.True(t, ok)

	ok, wait := l.Acquire(now, "b.test")
	require.False(t, ok, "global bucket is shared")
	require.InDelta(t, 1.0, wait.Seconds(), 0.01)
}

func TestAcquireReturnsLargerOfTwoWaits(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)

	// Domain refill is the slower of the two.
	l := New(Config{DomainRate: 1, DomainBurst: 1, GlobalRate: 4, GlobalBurst: 1})
	ok, _ := l.Acquire(now, "a.test")
	require.True(t, ok)
	ok, wait := l.Acquire(now, "a.test")
	require.False(t, ok)
	require.InDelta(t, 1.0, wait.Seconds(), 0.01)

	// Global refill is the slower of the two.
	l = New(Config{DomainRate: 4, DomainBurst: 1, GlobalRate: 1, GlobalBurst: 1})
	ok, _ = l.Acquire(now, "a.test")
	require.True(t, ok)
	ok, wait = l.Acquire(now, "b.test")
	require.False(t, ok)
	require.InDelta(t, 1.0, wait.Seconds(), 0.01)
}

func TestAcquireDenialConsumesNothing(t *testing.T) {
	t.Parallel()

	l := New(Config{DomainRate: 2, DomainBurst: 1, GlobalRate: 100, GlobalBurst: 100})
	now := time.Unix(1000, 0)

	ok, _ := l.Acquire(now, "a.test")
	require.True(t, ok)

	// Repeated denials must not drain the refilling bucket.
	for i := 0; i < 5; i++ {
		ok, wait := l.Acquire(now, "a.test")
		require.False(t, ok)
		require.InDelta(t, 0.5, wait.Seconds(), 0.01, "denial %d shifted the refill", i)
	}

	ok, _ = l.Acquire(now.Add(500*time.Millisecond), "a.test")
	require.True(t, ok)
}

func TestAcquireZeroConfigNeverDeadlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	now := time.Unix(1000, 0)
	for i := 0; i < 100; i++ {
		ok, wait := l.Acquire(now, "a.test")
		require.True(t, ok)
		require.Zero(t, wait)
	}
}

func TestAdmissionsRespectDomainRateWindow(t *testing.T) {
	t.Parallel()

	const domainRate = 2.0
	l := New(Config{DomainRate: domainRate, DomainBurst: 1, GlobalRate: 1000, GlobalBurst: 1000})

	start := time.Unix(2000, 0)
	step := 100 * time.Millisecond
	var grants []time.Time
	for now := start; now.Before(start.Add(3 * time.Second)); now = now.Add(step) {
		if ok, _ := l.Acquire(now, "d.test"); ok {
			grants = append(grants, now)
		}
	}
	require.NotEmpty(t, grants)

	// No sliding one-second window may contain more admissions than the rate.
	for windowStart := start; !windowStart.After(start.Add(2 * time.Second)); windowStart = windowStart.Add(step) {
		windowEnd := windowStart.Add(time.Second)
		count := 0
		for _, g := range grants {
			if !g.Before(windowStart) && g.Before(windowEnd) {
				count++
			}
		}
		require.LessOrEqual(t, count, int(domainRate), "window starting %v", windowStart.Sub(start))
	}
}
