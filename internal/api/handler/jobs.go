package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pixelforge/studio/internal/api/response"
	"github.com/pixelforge/studio/internal/orchestrator"
	"github.com/pixelforge/studio/internal/queue"
	"github.com/pixelforge/studio/pkg/models"
)

// JobService is the slice of the orchestrator the HTTP handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, p orchestrator.CreateParams) (*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, cause string) (*models.Job, error)
	ResumeWithInput(ctx context.Context, id uuid.UUID, input []byte) (*models.Job, error)
}

// jobError maps orchestrator sentinels onto the API error vocabulary.
func jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, orchestrator.ErrNotCancelable):
		response.Error(w, http.StatusBadRequest, "NOT_CANCELABLE", "Job is not cancelable", nil)
	case errors.Is(err, orchestrator.ErrIllegalTransition):
		response.Error(w, http.StatusBadRequest, "ILLEGAL_TRANSITION", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func jobIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	return id, err == nil
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs. When a
// dispatcher is configured the job is also enqueued for a worker; without one
// the caller drives the lifecycle itself.
func NewSubmitHandler(svc JobService, dispatcher queue.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type        string            `json:"type"`
			Title       string            `json:"title"`
			Description string            `json:"description"`
			ParentID    string            `json:"parent_id"`
			TotalSteps  int               `json:"total_steps"`
			Cancelable  *bool             `json:"cancelable"`
			Priority    string            `json:"priority"`
			Payload     json.RawMessage   `json:"payload"`
			Metadata    map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Type == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "type is required", nil)
			return
		}
		if req.Title == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "title is required", nil)
			return
		}

		var parentID *uuid.UUID
		if req.ParentID != "" {
			id, err := uuid.Parse(req.ParentID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "parent_id must be a valid UUID", nil)
				return
			}
			parentID = &id
		}

		job, err := svc.CreateJob(r.Context(), orchestrator.CreateParams{
			Type:        models.JobType(req.Type),
			Title:       req.Title,
			Description: req.Description,
			ParentID:    parentID,
			TotalSteps:  req.TotalSteps,
			Cancelable:  req.Cancelable,
			Metadata:    req.Metadata,
		})
		if err != nil {
			jobError(w, err)
			return
		}

		// Aggregate jobs are resolved from their children, never executed
		// directly, so they are not dispatched.
		if dispatcher != nil && !job.Type.Aggregate() {
			task := queue.Task{JobID: job.ID, Type: string(job.Type), Payload: req.Payload}
			if err := dispatcher.Enqueue(r.Context(), req.Priority, task); err != nil {
				slog.Error("enqueue failed", "job_id", job.ID, "error", err)
				if failed, ferr := svc.FailJob(r.Context(), job.ID, "could not enqueue job"); ferr == nil {
					job = failed
				}
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "Job accepted but could not be queued", nil)
				return
			}
		}

		response.Created(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}
		job, err := svc.GetJob(r.Context(), id)
		if err != nil {
			jobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Results are newest first; ?status= filters, ?limit= caps.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := models.JobStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter", nil)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := parsePositiveInt(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = n
		}

		jobs, err := svc.ListJobs(r.Context(), status, limit)
		if err != nil {
			jobError(w, err)
			return
		}
		response.JSON(w, listResponse{Jobs: jobs, Count: len(jobs)})
	}
}

type listResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}
		job, err := svc.CancelJob(r.Context(), id)
		if err != nil {
			jobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeleteHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
// Only settled jobs may be removed.
func NewDeleteHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}
		if err := svc.DeleteJob(r.Context(), id); err != nil {
			jobError(w, err)
			return
		}
		response.JSON(w, map[string]any{"id": id, "deleted": true})
	}
}

// NewQueueStatsHandler returns an http.HandlerFunc for GET /api/v1/queue/stats.
func NewQueueStatsHandler(dispatcher queue.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := dispatcher.Stats(r.Context())
		if err != nil {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "Queue backend unavailable", nil)
			return
		}
		response.JSON(w, map[string]any{"lanes": stats})
	}
}

// Pinger is the health check the handler runs against the job store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(store Pinger, backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "Store unreachable", nil)
			return
		}
		response.JSON(w, map[string]string{"status": "ok", "backend": backend})
	}
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
