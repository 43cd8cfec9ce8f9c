package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/studio/internal/orchestrator"
	"github.com/pixelforge/studio/internal/queue"
)

const (
	readBackoffMin = time.Second
	readBackoffMax = 30 * time.Second
)

// Runner pulls deliveries from a queue source and drives the matching task
// function through the job lifecycle. One Runner processes one delivery at a
// time; run several for concurrency.
type Runner struct {
	source   queue.Source
	registry *Registry
	manager  *orchestrator.Manager
	logger   *slog.Logger
}

func NewRunner(source queue.Source, registry *Registry, manager *orchestrator.Manager, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source:   source,
		registry: registry,
		manager:  manager,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. Read errors back off exponentially so a
// flapping broker does not produce a hot loop.
func (r *Runner) Run(ctx context.Context) error {
	backoff := readBackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delivery, err := r.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("queue read failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, readBackoffMax)
			continue
		}
		backoff = readBackoffMin
		if delivery == nil {
			continue
		}

		r.process(ctx, delivery)
		if err := r.source.Ack(ctx, delivery); err != nil {
			r.logger.Warn("ack failed", "job_id", delivery.Task.JobID, "error", err)
		}
	}
}

func (r *Runner) process(ctx context.Context, d *queue.Delivery) {
	log := r.logger.With("job_id", d.Task.JobID, "job_type", d.Task.Type, "lane", d.Lane)

	job, err := r.manager.StartJob(ctx, d.Task.JobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			log.Warn("skipping delivery for unknown job")
			return
		}
		if errors.Is(err, orchestrator.ErrIllegalTransition) {
			// Cancelled or otherwise settled between enqueue and pickup.
			log.Info("skipping delivery, job no longer startable")
			return
		}
		log.Error("start job failed", "error", err)
		return
	}

	fn, ok := r.registry.Resolve(job.Type)
	if !ok {
		r.fail(ctx, log, job.ID, fmt.Sprintf("no task registered for job type %q", job.Type))
		return
	}

	result, err := r.execute(ctx, fn, &TaskContext{
		JobID:   job.ID,
		Payload: d.Task.Payload,
		manager: r.manager,
	})
	if err != nil {
		if errors.Is(err, ErrJobCancelled) {
			log.Info("task stopped, job cancelled")
			return
		}
		r.fail(ctx, log, job.ID, err.Error())
		return
	}

	if _, err := r.manager.CompleteJob(ctx, job.ID, result); err != nil {
		if errors.Is(err, orchestrator.ErrIllegalTransition) {
			// Cancelled mid-run; the result is discarded.
			log.Info("task finished but job already settled")
			return
		}
		log.Error("complete job failed", "error", err)
	}
}

// execute runs the task function with panic containment so one bad task
// cannot take the runner down.
func (r *Runner) execute(ctx context.Context, fn TaskFunc, tc *TaskContext) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	return fn(ctx, tc)
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, id uuid.UUID, message string) {
	if _, err := r.manager.FailJob(ctx, id, message); err != nil && !errors.Is(err, orchestrator.ErrIllegalTransition) {
		log.Error("fail job failed", "error", err)
	}
	log.Warn("job failed", "reason", message)
}
