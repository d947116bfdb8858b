package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/manager"
)

type submitJobRequest struct {
	JobID  string          `json:"job_id"`
	URLs   []string        `json:"urls"`
	Config jobConfigParams `json:"config"`
}

// jobConfigParams is the wire form of crawl.Config. Durations arrive as
// integers in the unit named by the field; absent fields fall back to the
// policy defaults.
type jobConfigParams struct {
	DomainRatePerSecond     float64 `json:"domain_rate_per_second"`
	DomainBurst             int     `json:"domain_burst"`
	GlobalRatePerSecond     float64 `json:"global_rate_per_second"`
	GlobalBurst             int     `json:"global_burst"`
	MaxConcurrent           int     `json:"max_concurrent"`
	MaxAttempts             int     `json:"max_attempts"`
	RetryBaseDelayMS        int     `json:"retry_base_delay_ms"`
	RetryMaxDelayMS         int     `json:"retry_max_delay_ms"`
	RetryMultiplier         float64 `json:"retry_multiplier"`
	FetchTimeoutSeconds     int     `json:"fetch_timeout_seconds"`
	MaxAdmissionWaitSeconds int     `json:"max_admission_wait_seconds"`
	UserAgent               string  `json:"user_agent"`
}

func (p jobConfigParams) toConfig() crawl.Config {
	return crawl.Config{
		DomainRatePerSecond: p.DomainRatePerSecond,
		DomainBurst:         p.DomainBurst,
		GlobalRatePerSecond: p.GlobalRatePerSecond,
		GlobalBurst:         p.GlobalBurst,
		MaxConcurrent:       p.MaxConcurrent,
		MaxAttempts:         p.MaxAttempts,
		RetryBaseDelay:      time.Duration(p.RetryBaseDelayMS) * time.Millisecond,
		RetryMaxDelay:       time.Duration(p.RetryMaxDelayMS) * time.Millisecond,
		RetryMultiplier:     p.RetryMultiplier,
		FetchTimeout:        time.Duration(p.FetchTimeoutSeconds) * time.Second,
		MaxAdmissionWait:    time.Duration(p.MaxAdmissionWaitSeconds) * time.Second,
		UserAgent:           p.UserAgent,
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.manager.Submit(r.Context(), manager.SubmitRequest{
		JobID:  req.JobID,
		URLs:   req.URLs,
		Config: req.Config.toConfig(),
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type statusResponse struct {
	Job      crawl.Job      `json:"job"`
	Counters crawl.Counters `json:"counters"`
	Active   bool           `json:"active"`
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	st, err := s.manager.Status(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Job: st.Job, Counters: st.Counters, Active: st.Active})
}

type resultResponse struct {
	JobID      string               `json:"job_id"`
	Status     string               `json:"status"`
	Succeeded  []crawl.SucceededURL `json:"succeeded"`
	Failed     []crawl.FailedURL    `json:"failed"`
	Skipped    int                  `json:"skipped"`
	DurationMS int64                `json:"duration_ms"`
	FinishedAt time.Time            `json:"finished_at"`
}

func toResultResponse(res crawl.Result) resultResponse {
	out := resultResponse{
		JobID:      res.JobID,
		Status:     string(res.Status),
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		DurationMS: res.Duration.Milliseconds(),
		FinishedAt: res.Finished,
	}
	if out.Succeeded == nil {
		out.Succeeded = []crawl.SucceededURL{}
	}
	if out.Failed == nil {
		out.Failed = []crawl.FailedURL{}
	}
	return out
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	res, err := s.manager.Result(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.manager.Cancel(r.Context(), jobID); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(crawl.JobStatusCancelled),
	})
}

func (s *Server) recoverJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	note, err := s.manager.Recover(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"note":   note,
	})
}
