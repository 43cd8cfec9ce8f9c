// Package orchestrator tracks long-running units of work from submission
// through completion. The Manager is the sole writer of job records: every
// transition goes through one of its methods, which write through the store
// and fan the updated record out to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/studio/internal/metrics"
	"github.com/pixelforge/studio/internal/notify"
	"github.com/pixelforge/studio/internal/store"
	"github.com/pixelforge/studio/pkg/models"
)

// errSkip aborts a mutation without writing or notifying. Internal only.
var errSkip = errors.New("skip mutation")

// RespondActions are the allowed responses to a job paused for input.
var RespondActions = []string{"approve", "edit", "reject"}

// Publisher broadcasts job updates to other processes. In shared-store mode
// the RedisStore fills this role; in memory mode it is nil.
type Publisher interface {
	Publish(ctx context.Context, job *models.Job) error
}

// DecisionSink receives a description of a pending human decision when a job
// pauses for input. Implementations push decision cards to whatever surface
// the deployment uses (chat, web UI); the engine only describes the decision.
type DecisionSink interface {
	SurfaceDecision(ctx context.Context, job *models.Job, actions []string)
}

// ManagerConfig wires a Manager's collaborators. Store is required; everything
// else may be left zero.
type ManagerConfig struct {
	Store     store.Store
	Hub       *notify.Hub
	Publisher Publisher
	Relay     *notify.Relay
	Metrics   *metrics.Collector
	Decisions DecisionSink
}

// Manager creates jobs, applies state transitions, maintains parent/child
// aggregation and owns the notification fan-out. Safe for concurrent use;
// mutations for the same job id are serialized, different ids proceed in
// parallel.
type Manager struct {
	store     store.Store
	hub       *notify.Hub
	pub       Publisher
	relay     *notify.Relay
	metrics   *metrics.Collector
	decisions DecisionSink
	locks     *keyedMutex

	stopCleanup context.CancelFunc
	wg          sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	hub := cfg.Hub
	if hub == nil {
		hub = notify.NewHub()
	}
	return &Manager{
		store:     cfg.Store,
		hub:       hub,
		pub:       cfg.Publisher,
		relay:     cfg.Relay,
		metrics:   cfg.Metrics,
		decisions: cfg.Decisions,
		locks:     newKeyedMutex(),
	}
}

// Hub returns the in-process fan-out hub, for stream handlers to subscribe to.
func (m *Manager) Hub() *notify.Hub {
	return m.hub
}

// CreateParams are the caller-supplied fields of a new job.
type CreateParams struct {
	Type        models.JobType
	Title       string
	Description string
	ParentID    *uuid.UUID
	TotalSteps  int
	// Cancelable defaults to true when nil.
	Cancelable *bool
	Metadata   map[string]string
}

// CreateJob registers a new queued job. When ParentID is set the new job is
// appended to the parent's child list; the parent must exist and must not
// have reached a terminal state.
func (m *Manager) CreateJob(ctx context.Context, p CreateParams) (*models.Job, error) {
	cancelable := true
	if p.Cancelable != nil {
		cancelable = *p.Cancelable
	}

	job := &models.Job{
		ID:          uuid.New(),
		Type:        p.Type,
		Status:      models.JobStatusQueued,
		Title:       p.Title,
		Description: p.Description,
		ParentID:    p.ParentID,
		TotalSteps:  p.TotalSteps,
		CreatedAt:   time.Now().UTC(),
		Cancelable:  cancelable,
		Metadata:    p.Metadata,
	}

	// The child record is written before it becomes reachable through the
	// parent's child list, so a sibling's concurrent reaggregation never
	// resolves the parent against a child id with no record behind it.
	unlock := m.locks.lock(job.ID)
	err := m.store.Put(ctx, job)
	unlock()
	if err != nil {
		return nil, err
	}

	if p.ParentID != nil {
		_, err := m.mutate(ctx, *p.ParentID, func(parent *models.Job) error {
			if parent.Status.Terminal() {
				return fmt.Errorf("%w: cannot attach child to %s job %s",
					ErrIllegalTransition, parent.Status, parent.ID)
			}
			parent.ChildIDs = append(parent.ChildIDs, job.ID)
			return nil
		})
		if err != nil {
			if delErr := m.store.Delete(ctx, job.ID); delErr != nil {
				slog.Warn("failed to remove unattached job record",
					"job_id", job.ID, "error", delErr)
			}
			return nil, err
		}
	}

	m.notify(ctx, job)
	m.metrics.JobCreated()
	return job, nil
}

// StartJob moves a queued job to running and stamps started_at.
func (m *Manager) StartJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status != models.JobStatusQueued {
			return transitionErr(j, "start")
		}
		now := time.Now().UTC()
		j.Status = models.JobStatusRunning
		j.StartedAt = &now
		return nil
	})
}

// UpdateProgress records progress on a running job. Values are clamped to
// [0, 1]; an empty message leaves the previous one in place; step is ignored
// unless positive. A job with a parent triggers parent re-aggregation.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, value float64, message string, step int) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return transitionErr(j, "update progress on")
		}
		j.Progress = models.ClampProgress(value)
		if message != "" {
			j.ProgressMessage = message
		}
		if step > 0 {
			j.CurrentStep = step
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.reaggregate(ctx, job.ParentID)
	return job, nil
}

// PauseForInput parks a running job until a human responds. The pending
// decision is surfaced to the configured decision sink, if any.
func (m *Manager) PauseForInput(ctx context.Context, id uuid.UUID, awaiting []byte) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return transitionErr(j, "pause")
		}
		j.Status = models.JobStatusAwaitingInput
		j.AwaitingData = awaiting
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.decisions != nil {
		m.decisions.SurfaceDecision(ctx, job.Clone(), RespondActions)
	}
	return job, nil
}

// ResumeWithInput moves a paused job back to running, recording the response.
func (m *Manager) ResumeWithInput(ctx context.Context, id uuid.UUID, input []byte) (*models.Job, error) {
	return m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status != models.JobStatusAwaitingInput {
			return transitionErr(j, "resume")
		}
		j.Status = models.JobStatusRunning
		j.UserInput = input
		return nil
	})
}

// CompleteJob finishes a running job, setting progress to 1 and recording the
// result.
func (m *Manager) CompleteJob(ctx context.Context, id uuid.UUID, result []byte) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return transitionErr(j, "complete")
		}
		now := time.Now().UTC()
		j.Status = models.JobStatusCompleted
		j.Progress = 1.0
		j.CompletedAt = &now
		j.Result = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.JobCompleted(terminalDuration(job))
	m.reaggregate(ctx, job.ParentID)
	return job, nil
}

// FailJob marks any non-terminal job failed with the given cause.
func (m *Manager) FailJob(ctx context.Context, id uuid.UUID, cause string) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return transitionErr(j, "fail")
		}
		now := time.Now().UTC()
		j.Status = models.JobStatusFailed
		j.CompletedAt = &now
		j.Error = cause
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.JobFailed(terminalDuration(job))
	m.reaggregate(ctx, job.ParentID)
	return job, nil
}

// CancelJob cancels a non-terminal job and, synchronously, all of its
// non-terminal descendants. Cancellation is cooperative: a worker mid-task
// keeps running until it checks the record's status, so resource cleanup may
// lag the status change. The cancelable flag gates only the externally
// requested cancellation; the cascade overrides it for children, since the
// composite's cancelability was checked at the root.
func (m *Manager) CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return transitionErr(j, "cancel")
		}
		if !j.Cancelable {
			return fmt.Errorf("%w: %s", ErrNotCancelable, j.ID)
		}
		now := time.Now().UTC()
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.JobCancelled()
	for _, childID := range job.ChildIDs {
		m.cancelDescendant(ctx, childID)
	}
	m.reaggregate(ctx, job.ParentID)
	return job, nil
}

func (m *Manager) cancelDescendant(ctx context.Context, id uuid.UUID) {
	job, err := m.mutate(ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return errSkip
		}
		now := time.Now().UTC()
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSkip) && !errors.Is(err, ErrNotFound) {
			slog.Warn("cascade cancel failed", "job_id", id, "error", err)
		}
		return
	}
	m.metrics.JobCancelled()
	for _, childID := range job.ChildIDs {
		m.cancelDescendant(ctx, childID)
	}
}

// GetJob returns the current record for id.
func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, found, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// ListJobs returns jobs sorted newest-first by creation time. An empty status
// matches everything; limit truncates after filtering when positive. Reads
// the full job set, so keep it off latency-sensitive paths.
func (m *Manager) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, found, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// DeleteJob removes a terminal job and detaches it from its parent's child
// list. Active jobs cannot be deleted.
func (m *Manager) DeleteJob(ctx context.Context, id uuid.UUID) error {
	unlock := m.locks.lock(id)
	job, found, err := m.store.Get(ctx, id)
	if err == nil && !found {
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err == nil && !job.Status.Terminal() {
		err = fmt.Errorf("%w: cannot delete %s job %s", ErrIllegalTransition, job.Status, id)
	}
	if err == nil {
		err = m.store.Delete(ctx, id)
	}
	unlock()
	if err != nil {
		return err
	}

	if job.ParentID != nil {
		_, detachErr := m.mutate(ctx, *job.ParentID, func(parent *models.Job) error {
			kept := parent.ChildIDs[:0]
			for _, cid := range parent.ChildIDs {
				if cid != id {
					kept = append(kept, cid)
				}
			}
			parent.ChildIDs = kept
			return nil
		})
		if detachErr != nil && !errors.Is(detachErr, ErrNotFound) {
			slog.Warn("failed to detach deleted job from parent",
				"job_id", id, "parent_id", *job.ParentID, "error", detachErr)
		}
	}
	return nil
}

// CleanupOlderThan deletes terminal jobs whose completion is older than age.
// Best-effort: per-job failures are logged and skipped, and a job deleted by
// someone else mid-sweep is not an error. Returns the number deleted.
func (m *Manager) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-age)
	deleted := 0
	for _, id := range ids {
		job, found, err := m.store.Get(ctx, id)
		if err != nil || !found {
			continue
		}
		if !job.Status.Terminal() || job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := m.DeleteJob(ctx, id); err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.Warn("retention sweep skipping job", "job_id", id, "error", err)
			}
			continue
		}
		deleted++
	}
	return deleted, nil
}

// StartCleanup runs the retention sweep every interval until ctx is cancelled
// or the manager is closed.
func (m *Manager) StartCleanup(ctx context.Context, interval, age time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.stopCleanup = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.CleanupOlderThan(ctx, age)
				if err != nil {
					slog.Warn("retention sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("retention sweep removed jobs", "count", n)
				}
			}
		}
	}()
}

// Close stops the retention sweep and the cross-process relay.
func (m *Manager) Close() {
	if m.stopCleanup != nil {
		m.stopCleanup()
	}
	m.wg.Wait()
	if m.relay != nil {
		m.relay.Close()
	}
}

// mutate applies fn to the job under its per-id lock, writes the record back
// and fans the update out. fn returning errSkip abandons the mutation without
// a write or a notification.
//
// The per-id lock only serializes mutations within this process; in
// shared-store mode another process can settle the job between our read and
// our write. The store's status-guarded Put refuses such a write, and the
// loop re-runs fn against the fresh record so it observes the terminal state
// itself. Terminal statuses never change again, so the second pass settles.
func (m *Manager) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Job) error) (*models.Job, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	for {
		job, found, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		if err := m.store.Put(ctx, job); err != nil {
			if errors.Is(err, store.ErrTerminalOverwrite) {
				continue
			}
			return nil, err
		}
		m.notify(ctx, job)
		return job, nil
	}
}

func (m *Manager) notify(ctx context.Context, job *models.Job) {
	record := job.Clone()
	m.hub.Publish(record)
	if m.relay != nil {
		m.relay.MarkLocal(record)
	}
	if m.pub != nil {
		if err := m.pub.Publish(ctx, record); err != nil {
			slog.Warn("job update broadcast failed", "job_id", job.ID, "error", err)
		}
	}
}

// reaggregate recomputes a parent's progress from its children and resolves
// the parent once every child is terminal. Partial success counts as success:
// the parent fails only when every child failed, so a batch where some
// analyzers fail still surfaces the results of the ones that finished.
func (m *Manager) reaggregate(ctx context.Context, parentID *uuid.UUID) {
	if parentID == nil {
		return
	}

	var (
		resolvedTo models.JobStatus
		duration   float64
	)
	parent, err := m.mutate(ctx, *parentID, func(p *models.Job) error {
		if p.Status.Terminal() || len(p.ChildIDs) == 0 {
			return errSkip
		}

		var sum float64
		total, finished, failed := 0, 0, 0
		for _, cid := range p.ChildIDs {
			child, found, err := m.store.Get(ctx, cid)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			total++
			sum += child.Progress
			if child.Status.Terminal() {
				finished++
			}
			if child.Status == models.JobStatusFailed {
				failed++
			}
		}
		if total == 0 {
			return errSkip
		}

		p.Progress = models.ClampProgress(sum / float64(total))
		p.CurrentStep = finished
		p.TotalSteps = total

		if finished == total {
			now := time.Now().UTC()
			p.CompletedAt = &now
			if failed == total {
				p.Status = models.JobStatusFailed
				p.Error = fmt.Sprintf("all %d child jobs failed", total)
			} else {
				p.Status = models.JobStatusCompleted
			}
			resolvedTo = p.Status
			duration = terminalDuration(p)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSkip) && !errors.Is(err, ErrNotFound) {
			slog.Warn("parent aggregation failed", "parent_id", *parentID, "error", err)
		}
		return
	}

	switch resolvedTo {
	case models.JobStatusCompleted:
		m.metrics.JobCompleted(duration)
	case models.JobStatusFailed:
		m.metrics.JobFailed(duration)
	}

	// Composites can nest; resolve upward.
	if parent.ParentID != nil {
		m.reaggregate(ctx, parent.ParentID)
	}
}

func transitionErr(j *models.Job, verb string) error {
	return fmt.Errorf("%w: cannot %s %s job %s", ErrIllegalTransition, verb, j.Status, j.ID)
}

func terminalDuration(j *models.Job) float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt).Seconds()
}
