// Package sinks provides ready-made progress consumers: Prometheus
// metric export and structured logging. Each sink implements
// progress.Sink and can be fanned out through a progress.Hub.
package sinks
