package sha256

import "testing"

// TestHashKnownDigest pins the digest format to lowercase hex SHA-256, which
// blob paths and the dedup index both depend on.
func TestHashKnownDigest(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

// TestHashDistinguishesInputs confirms different payloads yield different
// fingerprints and empty input hashes without error.
func TestHashDistinguishesInputs(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("page one"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	b, err := h.Hash([]byte("page two"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct digests, both were %s", a)
	}

	empty, err := h.Hash(nil)
	if err != nil {
		t.Fatalf("Hash(nil) error = %v", err)
	}
	if len(empty) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(empty))
	}
}
