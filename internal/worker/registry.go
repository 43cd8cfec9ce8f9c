// Package worker executes dispatched job payloads. Task functions are looked
// up in a registry keyed by job type; nothing in the engine branches on what
// a task actually does.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/studio/internal/orchestrator"
	"github.com/pixelforge/studio/pkg/models"
)

// inputPollInterval is how often a paused task checks whether it was resumed.
const inputPollInterval = 200 * time.Millisecond

// ErrJobCancelled is returned from TaskContext.PauseForInput when the job is
// cancelled while waiting for a response.
var ErrJobCancelled = errors.New("job cancelled while awaiting input")

// TaskFunc performs one unit of work. Long-running implementations must call
// tc.Cancelled between expensive sub-steps and stop early when it reports
// true; there is no preemption.
type TaskFunc func(ctx context.Context, tc *TaskContext) (json.RawMessage, error)

// Registry maps job types to task functions.
type Registry struct {
	mu  sync.RWMutex
	fns map[models.JobType]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[models.JobType]TaskFunc)}
}

func (r *Registry) Register(jobType models.JobType, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[jobType] = fn
}

func (r *Registry) Resolve(jobType models.JobType) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[jobType]
	return fn, ok
}

// TaskContext is what a task function gets to interact with its job.
type TaskContext struct {
	JobID   uuid.UUID
	Payload json.RawMessage

	manager *orchestrator.Manager
}

// Progress reports task progress; failures to record it are returned so the
// task can decide whether to carry on.
func (tc *TaskContext) Progress(ctx context.Context, value float64, message string) error {
	_, err := tc.manager.UpdateProgress(ctx, tc.JobID, value, message, 0)
	return err
}

// Step reports discrete-step progress alongside the continuous value.
func (tc *TaskContext) Step(ctx context.Context, value float64, message string, step int) error {
	_, err := tc.manager.UpdateProgress(ctx, tc.JobID, value, message, step)
	return err
}

// Cancelled polls the job record and reports whether cancellation was
// requested. Task functions should check it at convenient checkpoints.
func (tc *TaskContext) Cancelled(ctx context.Context) bool {
	job, err := tc.manager.GetJob(ctx, tc.JobID)
	if err != nil {
		return false
	}
	return job.Status == models.JobStatusCancelled
}

// PauseForInput parks the job in awaiting_input and blocks until someone
// resumes or cancels it. The returned job carries the user's response in
// UserInput. Used by tasks with approval gates.
func (tc *TaskContext) PauseForInput(ctx context.Context, awaiting json.RawMessage) (*models.Job, error) {
	if _, err := tc.manager.PauseForInput(ctx, tc.JobID, awaiting); err != nil {
		return nil, fmt.Errorf("pause job %s: %w", tc.JobID, err)
	}

	ticker := time.NewTicker(inputPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		job, err := tc.manager.GetJob(ctx, tc.JobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case models.JobStatusAwaitingInput:
			continue
		case models.JobStatusCancelled:
			return job, ErrJobCancelled
		default:
			return job, nil
		}
	}
}
