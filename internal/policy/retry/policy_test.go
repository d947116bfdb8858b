package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrag-io/crawld/internal/crawl"
)

func TestDecidePermanentKindsNeverRetry(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	for _, kind := range []crawl.ErrorKind{
		crawl.ErrorKindClientError,
		crawl.ErrorKindMalformedURL,
		crawl.ErrorKindRobotsDisallowed,
	} {
		retryOK, delay := p.Decide(1, kind, 0)
		require.False(t, retryOK, string(kind))
		require.Zero(t, delay, string(kind))
	}
}

func TestDecideTransientKindsRetryWithinBudget(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	for _, kind := range []crawl.ErrorKind{
		crawl.ErrorKindTimeout,
		crawl.ErrorKindConnection,
		crawl.ErrorKindServerError,
		crawl.ErrorKindThrottled,
	} {
		retryOK, delay := p.Decide(1, kind, 0)
		require.True(t, retryOK, string(kind))
		require.Positive(t, delay, string(kind))
	}
}

func TestDecideExhaustsBudget(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	retryOK, _ := p.Decide(2, crawl.ErrorKindTimeout, 0)
	require.True(t, retryOK)

	retryOK, delay := p.Decide(3, crawl.ErrorKindTimeout, 0)
	require.False(t, retryOK, "third failed attempt exhausts a budget of 3")
	require.Zero(t, delay)
}

func TestDecideBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	p := New(Config{MaxAttempts: 10, BaseDelay: base, MaxDelay: 250 * time.Millisecond, Multiplier: 2})

	// Jitter adds [0, base), so each attempt's delay lands in a known band.
	for i := 0; i < 20; i++ {
		_, d1 := p.Decide(1, crawl.ErrorKindServerError, 0)
		require.GreaterOrEqual(t, d1, 100*time.Millisecond)
		require.Less(t, d1, 200*time.Millisecond)

		_, d2 := p.Decide(2, crawl.ErrorKindServerError, 0)
		require.GreaterOrEqual(t, d2, 200*time.Millisecond)
		require.Less(t, d2, 300*time.Millisecond)

		// 100ms * 2^2 = 400ms exceeds the 250ms cap.
		_, d3 := p.Decide(3, crawl.ErrorKindServerError, 0)
		require.GreaterOrEqual(t, d3, 250*time.Millisecond)
		require.Less(t, d3, 350*time.Millisecond)
	}
}

func TestDecideRetryAfterHintOverridesBackoff(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	retryOK, delay := p.Decide(1, crawl.ErrorKindThrottled, 7*time.Second)
	require.True(t, retryOK)
	require.Equal(t, 7*time.Second, delay, "server hint is taken verbatim")

	// The hint does not extend an exhausted budget.
	retryOK, _ = p.Decide(3, crawl.ErrorKindThrottled, 7*time.Second)
	require.False(t, retryOK)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	require.Equal(t, crawl.DefaultMaxAttempts, p.MaxAttempts())

	retryOK, delay := p.Decide(1, crawl.ErrorKindTimeout, 0)
	require.True(t, retryOK)
	require.GreaterOrEqual(t, delay, crawl.DefaultRetryBaseDelay)
	require.Less(t, delay, 2*crawl.DefaultRetryBaseDelay)
}
