package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scrag-io/crawld/internal/progress"
)

// PrometheusSink exports the progress stream as Prometheus metrics.
// The collectors live under the crawld_progress_ prefix so they never
// collide with the request-path instrumentation registered elsewhere.
type PrometheusSink struct {
	tracker jobTracker

	jobsStarted   prometheus.Counter
	jobsRunning   prometheus.Gauge
	jobsFinalized *prometheus.CounterVec
	jobsHalted    prometheus.Counter
	jobRuntime    *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink builds a sink and registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		tracker: jobTracker{running: make(map[string]struct{})},
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawld_progress_jobs_started_total",
			Help: "Number of jobs that started executing.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawld_progress_jobs_running",
			Help: "Number of jobs currently executing.",
		}),
		jobsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawld_progress_jobs_finalized_total",
			Help: "Number of jobs that reached a terminal status.",
		}, []string{"status"}),
		jobsHalted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawld_progress_jobs_halted_total",
			Help: "Number of jobs that halted before finishing and await recovery.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawld_progress_job_runtime_seconds",
			Help:    "Wall-clock runtime of finalized jobs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawld_progress_fetch_requests_total",
			Help: "Number of completed fetch attempts by domain and status class.",
		}, []string{"domain", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawld_progress_fetch_bytes_total",
			Help: "Bytes downloaded by domain.",
		}, []string{"domain"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawld_progress_fetch_duration_seconds",
			Help:    "Duration of completed fetch attempts.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"domain", "status_class"}),
	}

	collectors := []prometheus.Collector{
		s.jobsStarted,
		s.jobsRunning,
		s.jobsFinalized,
		s.jobsHalted,
		s.jobRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from a batch of events.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobHalted:
		s.handleJobEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StageRetryScheduled:
		// Retry counts are already exported by the scheduler itself.
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	case progress.StageJobDone:
		status := evt.Note
		if status == "" {
			status = "unknown"
		}
		s.jobsFinalized.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
	case progress.StageJobHalted:
		s.jobsHalted.Inc()
	}
	if s.tracker.stop(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	domain := evt.Domain
	if domain == "" {
		domain = "unknown"
	}
	class := string(evt.StatusClass)
	if class == "" {
		class = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(domain, class).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(domain).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(domain, class).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink. The collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error { return nil }

// jobTracker deduplicates start/stop transitions so the running gauge
// survives replayed or out-of-order events.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *jobTracker) start(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[jobID]; ok {
		return false
	}
	t.running[jobID] = struct{}{}
	return true
}

func (t *jobTracker) stop(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[jobID]; !ok {
		return false
	}
	delete(t.running, jobID)
	return true
}
