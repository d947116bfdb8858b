// Package text provides the default content processor. It reduces HTML
// payloads to their visible text and collapses whitespace so that pages
// differing only in markup churn or formatting share a fingerprint.
package text

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scrag-io/crawld/internal/crawl"
)

// Processor implements crawl.Processor.
type Processor struct {
	hasher crawl.Hasher
}

// New returns a processor that fingerprints cleaned content with hasher.
func New(hasher crawl.Hasher) *Processor {
	return &Processor{hasher: hasher}
}

// Process cleans content and returns it with its fingerprint. HTML input
// is stripped to text first; any other payload only has its whitespace
// collapsed. Unparseable HTML falls back to whitespace collapsing alone.
func (p *Processor) Process(_ context.Context, content []byte) ([]byte, string, error) {
	cleaned := content
	if isHTML(content) {
		if extracted, err := extractText(content); err == nil {
			cleaned = extracted
		}
	}
	cleaned = collapseWhitespace(cleaned)

	fingerprint, err := p.hasher.Hash(cleaned)
	if err != nil {
		return nil, "", fmt.Errorf("fingerprint content: %w", err)
	}
	return cleaned, fingerprint, nil
}

func isHTML(content []byte) bool {
	return strings.HasPrefix(http.DetectContentType(content), "text/html")
}

func extractText(content []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	return []byte(doc.Text()), nil
}

func collapseWhitespace(content []byte) []byte {
	return bytes.Join(bytes.Fields(content), []byte(" "))
}
