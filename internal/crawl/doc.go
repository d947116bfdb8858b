// Package crawl defines the domain model of the orchestration core: job and
// URL record types, the error-kind taxonomy with its outcome classifier, URL
// normalization, and the collaborator interfaces (fetcher, processor, stores,
// publisher) the rest of the system is wired through.
package crawl
