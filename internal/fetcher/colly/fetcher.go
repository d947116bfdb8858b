// Package collyfetcher implements crawl.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/scrag-io/crawld/internal/crawl"
)

// Config controls collector behavior shared by every fetch.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher executes single-page fetches, one cloned Colly collector per
// request. The shared transport underneath pools connections and caches
// robots.txt probes, so cloning stays cheap.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = crawl.DefaultUserAgent
	}
	c := colly.NewCollector(colly.Async(false))

	transport := newRobotsCacheTransport(newHTTPTransport())
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. An exchange that completes with an error
// status still returns the response and a nil error, so callers classify by
// status code and can read the Retry-After hint; a non-nil error means the
// exchange itself did not complete.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	if err := validateURL(request.URL); err != nil {
		return crawl.FetchResponse{}, err
	}

	var (
		result   crawl.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	visitErr := f.runCollector(ctx, collector, request.URL)
	switch {
	case visitErr == nil:
		return result, nil
	case errors.Is(visitErr, context.Canceled) || errors.Is(visitErr, context.DeadlineExceeded):
		return crawl.FetchResponse{}, visitErr
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		return crawl.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, crawl.ErrRobotsDisallowed)
	case result.StatusCode != 0:
		// The server answered; the error just reflects its status code.
		return result, nil
	default:
		return crawl.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, visitErr)
	}
}

func (f *Fetcher) buildCollector(
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = crawl.DefaultFetchTimeout
	}
	collector.SetRequestTimeout(timeout)

	// Clone resets the backend client, so the shared transport must be
	// reattached per collector.
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := cloneHeaders(r.Headers)
		*result = crawl.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			RetryAfter: parseRetryAfter(headers, time.Now()),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r == nil || r.StatusCode == 0 {
			return
		}
		headers := cloneHeaders(r.Headers)
		*result = crawl.FetchResponse{
			URL:        request.URL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			RetryAfter: parseRetryAfter(headers, time.Now()),
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

func (f *Fetcher) copyHeaders(request crawl.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", crawl.ErrMalformedURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("%w: %q", crawl.ErrMalformedURL, rawURL)
	}
	return nil
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return nil
	}
	return h.Clone()
}

// parseRetryAfter reads a Retry-After header in either RFC 7231 form:
// delay-seconds or an HTTP-date. Absent, malformed, and past values all
// yield zero.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
