package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pixelforge/studio/internal/api/response"
	"github.com/pixelforge/studio/pkg/models"
)

// ApprovalHook runs after a job is approved, outside the request. Deployments
// use it to kick off publishing or delivery of the approved artifact.
type ApprovalHook func(ctx context.Context, job *models.Job)

// NewRespondHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/respond. It routes a human decision back into a
// job paused in awaiting_input: approve and edit resume it, reject resumes
// and then cancels so the task observes the cancellation at its next
// checkpoint.
func NewRespondHandler(svc JobService, hook ApprovalHook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		var req struct {
			Action     string          `json:"action"`
			EditedData json.RawMessage `json:"edited_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		switch req.Action {
		case "approve", "edit", "reject":
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"action must be one of approve, edit, reject", nil)
			return
		}

		input, err := json.Marshal(struct {
			Action     string          `json:"action"`
			EditedData json.RawMessage `json:"edited_data,omitempty"`
		}{Action: req.Action, EditedData: req.EditedData})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		job, err := svc.ResumeWithInput(r.Context(), id, input)
		if err != nil {
			jobError(w, err)
			return
		}

		switch req.Action {
		case "reject":
			cancelled, err := svc.CancelJob(r.Context(), id)
			if err != nil {
				slog.Warn("cancel after reject failed", "job_id", id, "error", err)
			} else {
				job = cancelled
			}
		case "approve":
			if hook != nil {
				go hook(context.WithoutCancel(r.Context()), job)
			}
		}

		response.JSON(w, job)
	}
}
