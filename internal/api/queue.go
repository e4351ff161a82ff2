package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ds1/outreach/internal/dispatch"
	"github.com/ds1/outreach/internal/queue"
)

// QueueResponse is the response for GET /api/v1/queue
type QueueResponse struct {
	Stats *queue.Stats    `json:"stats"`
	DLQ   *queue.DLQStats `json:"dlq"`
	Jobs  []*JobSummary   `json:"jobs,omitempty"`
}

// JobSummary is a compact view of a queued job
type JobSummary struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	CampaignID string `json:"campaign_id,omitempty"`
	StepIndex  int    `json:"step_index,omitempty"`
	Contacts   int    `json:"contacts,omitempty"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// DLQListResponse is the response for GET /api/v1/queue/dlq
type DLQListResponse struct {
	Jobs  []*JobSummary `json:"jobs"`
	Total int64         `json:"total"`
}

func summarize(jobs []*queue.Job) []*JobSummary {
	out := make([]*JobSummary, len(jobs))
	for i, j := range jobs {
		out[i] = &JobSummary{
			ID:         j.ID,
			Kind:       string(j.Kind),
			CampaignID: j.CampaignID,
			StepIndex:  j.StepIndex,
			Contacts:   len(j.Contacts),
			Status:     string(j.Status),
			RetryCount: j.RetryCount,
			LastError:  j.LastError,
		}
	}
	return out
}

// handleQueueStats handles GET /api/v1/queue
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	dlqStats, err := s.store.GetDLQStats(r.Context())
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	filter := queue.ListFilter{
		Status: queue.JobStatus(r.URL.Query().Get("status")),
		Kind:   queue.JobKind(r.URL.Query().Get("kind")),
		Limit:  queryInt(r, "limit", 100),
	}
	jobs, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, QueueResponse{
		Stats: stats,
		DLQ:   dlqStats,
		Jobs:  summarize(jobs),
	})
}

// handleListDLQ handles GET /api/v1/queue/dlq
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListDLQ(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	stats, err := s.store.GetDLQStats(r.Context())
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, DLQListResponse{Jobs: summarize(jobs), Total: stats.Total})
}

// handleRetryDLQ handles POST /api/v1/queue/dlq/{id}/retry
func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.RetryFromDLQ(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.sendError(w, http.StatusNotFound, "job not found in dead letter queue")
			return
		}
		s.serviceError(w, r, err)
		return
	}
	s.logger.Info("job requeued from dead letter queue", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteDLQ handles DELETE /api/v1/queue/dlq/{id}
func (s *Server) handleDeleteDLQ(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFromDLQ(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DispatchProgressResponse is the response for GET /api/v1/dispatch/progress
type DispatchProgressResponse struct {
	Jobs []dispatch.JobProgress `json:"jobs"`
}

// handleDispatchProgress handles GET /api/v1/dispatch/progress
func (s *Server) handleDispatchProgress(w http.ResponseWriter, r *http.Request) {
	resp := DispatchProgressResponse{Jobs: []dispatch.JobProgress{}}
	if s.progress != nil {
		resp.Jobs = s.progress.Progress()
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.store != nil {
		stats, err := s.store.Stats(r.Context())
		if err == nil {
			resp.Queue = stats
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}
