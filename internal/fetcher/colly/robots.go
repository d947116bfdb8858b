package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	robotsCacheTTL = 30 * time.Minute
	robotsErrorTTL = 5 * time.Minute
	robotsMaxBody  = 1 << 20
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsCacheTransport caches robots.txt probes per host. Collectors are
// cloned per fetch, which resets Colly's own robots cache, so without this
// layer every page fetch would re-request robots.txt from the target host.
type robotsCacheTransport struct {
	base http.RoundTripper

	mu      sync.Mutex
	entries map[string]robotsEntry
}

type robotsEntry struct {
	status    int
	body      []byte
	expiresAt time.Time
}

func newRobotsCacheTransport(base http.RoundTripper) *robotsCacheTransport {
	return &robotsCacheTransport{
		base:    base,
		entries: make(map[string]robotsEntry),
	}
}

func (t *robotsCacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("base roundtrip: %w", err)
		}
		return resp, nil
	}

	key := robotsCacheKey(req.URL)
	now := time.Now()
	t.mu.Lock()
	entry, ok := t.entries[key]
	t.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.response(req), nil
	}

	entry, err := t.probe(req)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.entries[key] = entry
	t.mu.Unlock()
	return entry.response(req), nil
}

// probe fetches robots.txt with short retries around transient TLS and
// timeout failures. A probe that never completes yields an allow-all entry
// with a shorter TTL instead of failing the page fetch behind it.
func (t *robotsCacheTransport) probe(req *http.Request) (robotsEntry, error) {
	maxAttempts := len(robotsRetryBackoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(req.Context(), robotsRetryBackoff[attempt-1]); err != nil {
				return robotsEntry{}, err
			}
		}
		resp, err := t.base.RoundTrip(cloneRequest(req))
		if err == nil {
			return newRobotsEntry(resp, time.Now())
		}
		if !isTransientProbeError(err) {
			return robotsEntry{}, fmt.Errorf("robots probe: %w", err)
		}
	}
	return allowAllEntry(time.Now()), nil
}

func newRobotsEntry(resp *http.Response, now time.Time) (robotsEntry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBody))
	if err != nil {
		return robotsEntry{}, fmt.Errorf("read robots body: %w", err)
	}
	return robotsEntry{
		status:    resp.StatusCode,
		body:      body,
		expiresAt: now.Add(robotsCacheTTL),
	}, nil
}

func allowAllEntry(now time.Time) robotsEntry {
	return robotsEntry{
		status:    http.StatusOK,
		body:      []byte("User-agent: *\nAllow: /"),
		expiresAt: now.Add(robotsErrorTTL),
	}
}

// response replays the cached probe as a fresh HTTP response.
func (e robotsEntry) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    e.status,
		Status:        fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func robotsCacheKey(u *url.URL) string {
	return u.Scheme + "://" + strings.ToLower(u.Host)
}

func cloneRequest(req *http.Request) *http.Request {
	if req == nil {
		return nil
	}
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTransientProbeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
