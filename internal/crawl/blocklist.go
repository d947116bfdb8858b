package crawl

import "strings"

// Blocklist rejects crawl targets by hostname. Patterns are exact hosts
// ("ads.example.com") or suffix wildcards ("*.example.com", ".example.com")
// that match the bare domain and every subdomain. Matching is
// case-insensitive and a nil Blocklist blocks nothing.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist compiles patterns into a Blocklist. Blank patterns are
// dropped; when nothing usable remains it returns nil, which callers can use
// directly.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		pattern := strings.TrimSpace(strings.ToLower(raw))
		if pattern == "" {
			continue
		}
		switch {
		case strings.HasPrefix(pattern, "*."):
			b.addSuffix(strings.TrimPrefix(pattern, "*."))
		case strings.HasPrefix(pattern, "."):
			b.addSuffix(strings.TrimPrefix(pattern, "."))
		default:
			b.exact[pattern] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// Blocked reports whether host matches any pattern.
func (b *Blocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
