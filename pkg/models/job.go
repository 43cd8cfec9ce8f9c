package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job. Transitions are mediated by the
// orchestrator; no other component writes status.
type JobStatus string

const (
	JobStatusQueued        JobStatus = "queued"
	JobStatusRunning       JobStatus = "running"
	JobStatusAwaitingInput JobStatus = "awaiting_input"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCancelled     JobStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal job never
// transitions again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Active reports whether the job is still somewhere between submission and a
// terminal state.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusAwaitingInput
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusAwaitingInput,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobType names the kind of work a job performs. It is informational: the
// worker registry maps it to a task function, but orchestration logic never
// branches on it.
type JobType string

const (
	JobTypeAnalyze           JobType = "analyze"
	JobTypeGenerateImage     JobType = "generate-image"
	JobTypeGenerateThumbnail JobType = "generate-thumbnail"
	JobTypeBatchAnalyze      JobType = "batch-analyze"
	JobTypeBatchGenerate     JobType = "batch-generate"
	JobTypeCompositeWorkflow JobType = "composite-workflow"
)

// Aggregate reports whether jobs of this type are containers for child jobs.
// Aggregate jobs are never handed to a worker: their progress and terminal
// state are derived from their children, so only the children are dispatched.
func (t JobType) Aggregate() bool {
	switch t {
	case JobTypeBatchAnalyze, JobTypeBatchGenerate, JobTypeCompositeWorkflow:
		return true
	}
	return false
}

// Job is a trackable unit of asynchronous work. The record is written as one
// JSON document per job; timestamps round-trip through RFC 3339.
type Job struct {
	ID              uuid.UUID         `json:"id"`
	Type            JobType           `json:"type"`
	Status          JobStatus         `json:"status"`
	Progress        float64           `json:"progress"`
	ProgressMessage string            `json:"progress_message,omitempty"`
	CurrentStep     int               `json:"current_step,omitempty"`
	TotalSteps      int               `json:"total_steps,omitempty"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ParentID        *uuid.UUID        `json:"parent_id,omitempty"`
	ChildIDs        []uuid.UUID       `json:"child_ids,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	AwaitingData    json.RawMessage   `json:"awaiting_data,omitempty"`
	UserInput       json.RawMessage   `json:"user_input,omitempty"`
	Cancelable      bool              `json:"cancelable"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ClampProgress bounds a progress value to [0, 1].
func ClampProgress(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clone returns a deep copy of the job. Stores and the notification hub hand
// out clones so callers can never mutate a shared record.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ParentID != nil {
		id := *j.ParentID
		c.ParentID = &id
	}
	if j.ChildIDs != nil {
		c.ChildIDs = append([]uuid.UUID(nil), j.ChildIDs...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.AwaitingData != nil {
		c.AwaitingData = append(json.RawMessage(nil), j.AwaitingData...)
	}
	if j.UserInput != nil {
		c.UserInput = append(json.RawMessage(nil), j.UserInput...)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
