package crawl

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL rewrites a URL into the canonical form used for deduplication
// and persistence keys. It lowercases the scheme and host, removes default
// ports, strips the fragment, and sorts query parameters. URLs without an
// http(s) scheme or a host are rejected as malformed.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrMalformedURL)
	}

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	// Remove fragment
	u.Fragment = ""

	// Sort query parameters; a bare trailing "?" collapses too
	q := u.Query()
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

// Domain extracts the lowercase hostname used to key rate-limiter buckets.
// It returns "unknown" for URLs that fail to parse, so limiter lookups never
// error on input the admission path already validated.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
