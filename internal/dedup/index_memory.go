package dedup

import (
	"context"
	"sync"
)

// MemoryIndex keeps fingerprints in process memory. Useful for tests and
// single-process deployments without Redis.
type MemoryIndex struct {
	mu           sync.RWMutex
	fingerprints map[string]string
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{fingerprints: make(map[string]string)}
}

// Lookup returns the canonical URL stored for the fingerprint.
func (i *MemoryIndex) Lookup(_ context.Context, fingerprint string) (string, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	url, ok := i.fingerprints[fingerprint]
	return url, ok, nil
}

// Store records the fingerprint, keeping the first URL as canonical.
func (i *MemoryIndex) Store(_ context.Context, fingerprint, url string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.fingerprints[fingerprint]; !ok {
		i.fingerprints[fingerprint] = url
	}
	return nil
}

// Len returns the number of stored fingerprints.
func (i *MemoryIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.fingerprints)
}
