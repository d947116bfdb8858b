// Package progress provides the event primitives, non-blocking hub, and sink
// interfaces that job coordinators use to report crawl progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such
// as the zap log sink or Prometheus metrics.
package progress
