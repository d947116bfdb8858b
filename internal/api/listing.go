package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/scrag-io/crawld/internal/crawl"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// JobLister enumerates stored jobs for the read-only listing endpoint.
// The job stores implement it; a nil lister disables the endpoint.
type JobLister interface {
	ListJobs(ctx context.Context, status *crawl.JobStatus, limit, offset int) ([]crawl.Job, error)
}

// listJobs handles GET /v1/jobs?status=&limit=&offset=. It returns a JSON
// object {"jobs": [...]} on success, 400 for invalid filters, 503 when no
// lister is wired, or 500 if the store call fails.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job listing unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobsLimit, maxJobsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *crawl.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, perr := parseJobStatus(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		status = &parsed
	}
	jobs, err := s.jobs.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []crawl.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseJobStatus(input string) (crawl.JobStatus, error) {
	switch strings.ToLower(input) {
	case "pending":
		return crawl.JobStatusPending, nil
	case "running":
		return crawl.JobStatusRunning, nil
	case "completed":
		return crawl.JobStatusCompleted, nil
	case "partially_failed":
		return crawl.JobStatusPartiallyFailed, nil
	case "failed":
		return crawl.JobStatusFailed, nil
	case "cancelled", "canceled":
		return crawl.JobStatusCancelled, nil
	default:
		return "", errors.New("invalid status")
	}
}
